package consulta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RoutingReason tags why a routing decision chose its agent.
type RoutingReason string

const (
	ReasonCriticalRiskOverride RoutingReason = "CRITICAL_RISK_OVERRIDE_ROBUST_AGENT"
	ReasonHighRiskOverride     RoutingReason = "HIGH_RISK_OVERRIDE_ROBUST_AGENT"
	ReasonSensitiveContent     RoutingReason = "SENSITIVE_CONTENT_STANDARD_ROUTING"
	ReasonRiskSessionEnforced  RoutingReason = "RISK_SESSION_STANDARD_ROUTING"
	ReasonExplicitRequest      RoutingReason = "EXPLICIT_USER_REQUEST"
	ReasonStabilityOverride    RoutingReason = "STABILITY_OVERRIDE_FREQUENT_SWITCHES"
	ReasonModelClassification  RoutingReason = "MODEL_CLASSIFICATION"
	ReasonEntitySignal         RoutingReason = "ENTITY_SIGNAL_RESOLUTION"
	ReasonPhaseHint            RoutingReason = "THERAPEUTIC_PHASE_HINT"
	ReasonLowConfidence        RoutingReason = "LOW_CONFIDENCE_FALLBACK"
	ReasonRoutingFailure       RoutingReason = "ROUTING_FAILURE_FALLBACK"
	ReasonOrchestrator         RoutingReason = "DYNAMIC_ORCHESTRATION"
	ReasonSuggestedAgent       RoutingReason = "CALLER_SUGGESTED_AGENT"
)

// robustAgent receives all risk-override traffic.
const robustAgent = AgentClinico

// Classification confidence defaults.
const (
	defaultConfidenceHigh = 0.75
	defaultConfidenceLow  = 0.50
)

// defaultMaxSwitches is the stability-override threshold for consecutive
// agent switches in the trailing window.
const defaultMaxSwitches = 4

// routingDeadline bounds the one-shot classification call.
const routingDeadline = 5 * time.Second

// RoutingDecision is the outcome of agent selection for one turn.
type RoutingDecision struct {
	Agent             string           `json:"agent"`
	Confidence        float64          `json:"confidence"`
	Reason            RoutingReason    `json:"reason"`
	MetadataFactors   []string         `json:"metadata_factors,omitempty"`
	IsEdgeCase        bool             `json:"is_edge_case"`
	EdgeCaseType      EdgeCaseType     `json:"edge_case_type,omitempty"`
	IsExplicitRequest bool             `json:"is_explicit_request"`
	ContextualTools   []ToolDefinition `json:"-"`
}

// EnrichedContext is the full per-turn context handed to routing and to the
// agent layer.
type EnrichedContext struct {
	Query          string
	History        []Message
	PreviousAgent  string
	SessionFiles   []string
	PatientSummary string
	Metadata       *OperationalMetadata
	Entities       ExtractionResult
}

// entityAgentSignals maps primary entity types to the agent they indicate.
var entityAgentSignals = map[EntityType]string{
	EntityDocumentationProcess: AgentClinico,
	EntityAcademicValidation:   AgentAcademico,
	EntitySocraticExploration:  AgentSocratico,
}

// agentAliases recognizes explicit-switch target names, accent-insensitively.
var agentAliases = map[string]string{
	"socratico": AgentSocratico, "socrático": AgentSocratico,
	"clinico": AgentClinico, "clínico": AgentClinico,
	"academico": AgentAcademico, "académico": AgentAcademico,
	"orquestador": AgentOrquestador,
	"documentacion": AgentClinico, "documentación": AgentClinico,
	"investigacion": AgentAcademico, "investigación": AgentAcademico,
}

// explicitSwitchPrefixes introduce a direct agent-change request.
var explicitSwitchPrefixes = []string{
	"cambia a", "cambiar a", "cambia al", "cambiemos a", "pasa a", "pasar a",
	"quiero hablar con", "activa el modo", "modo",
	"switch to", "change to",
}

var classifyIntentTool = ToolDefinition{
	Name:        "clasificar_intencion",
	Description: "Clasifica la intención del terapeuta y selecciona el agente adecuado.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","enum":["socratico","clinico","academico"]},"confidence":{"type":"number"},"reasoning":{"type":"string"}},"required":["agent","confidence"]}`),
}

const classifyIntentPrompt = `Eres el clasificador de intenciones de un sistema de supervisión clínica.
Agentes disponibles:
- socratico: reflexión sobre casos, supervisión, exploración de creencias del terapeuta.
- clinico: notas clínicas, planes de tratamiento, documentación, manejo de riesgo.
- academico: evidencia empírica, literatura, citas, validación académica.
Clasifica el último mensaje del terapeuta llamando a clasificar_intencion con el agente y tu confianza (0.0-1.0).`

// IntentRouter decides the target agent for one turn (the standard routing
// path). Immutable after construction; safe for concurrent use.
type IntentRouter struct {
	model          ModelClient
	modelID        string
	confidenceHigh float64
	confidenceLow  float64
	maxSwitches    int
	logger         *slog.Logger
	tracer         Tracer
}

// RouterOption configures an IntentRouter.
type RouterOption func(*IntentRouter)

// RouterModelID sets the model id for classification calls.
func RouterModelID(id string) RouterOption {
	return func(r *IntentRouter) { r.modelID = id }
}

// ConfidenceBands sets the accept/fallback thresholds (default 0.75/0.50).
func ConfidenceBands(high, low float64) RouterOption {
	return func(r *IntentRouter) {
		r.confidenceHigh = high
		r.confidenceLow = low
	}
}

// RouterMaxSwitches sets the stability-override threshold (default 4).
func RouterMaxSwitches(n int) RouterOption {
	return func(r *IntentRouter) { r.maxSwitches = n }
}

// RouterLogger sets the structured logger.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *IntentRouter) { r.logger = l }
}

// RouterTracer sets the tracer for routing spans.
func RouterTracer(t Tracer) RouterOption {
	return func(r *IntentRouter) { r.tracer = t }
}

// NewIntentRouter creates a router backed by model for classification.
func NewIntentRouter(model ModelClient, opts ...RouterOption) *IntentRouter {
	r := &IntentRouter{
		model:          model,
		confidenceHigh: defaultConfidenceHigh,
		confidenceLow:  defaultConfidenceLow,
		maxSwitches:    defaultMaxSwitches,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// ParseExplicitSwitch reports whether input is a direct agent-change request
// and which agent it targets.
func ParseExplicitSwitch(input string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(input))
	for _, prefix := range explicitSwitchPrefixes {
		idx := strings.Index(lower, prefix)
		if idx == -1 {
			continue
		}
		rest := strings.TrimSpace(lower[idx+len(prefix):])
		rest = strings.TrimPrefix(rest, "modo ")
		rest = strings.TrimPrefix(rest, "el agente ")
		rest = strings.TrimPrefix(rest, "agente ")
		for alias, agent := range agentAliases {
			if strings.HasPrefix(rest, alias) {
				return agent, true
			}
		}
	}
	return "", false
}

// Route applies the decision precedence ladder for one turn. det is the
// edge-case pre-check result and forceStandard the C10-computed enforcement
// flag; both take precedence over classification.
func (r *IntentRouter) Route(ctx context.Context, ec *EnrichedContext, det Detection, forceStandard bool) RoutingDecision {
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "router.route")
		defer span.End()
	}

	// 1. Critical/high risk overrides.
	switch {
	case det.Triggered && det.Type == EdgeCritical:
		return RoutingDecision{
			Agent:           robustAgent,
			Confidence:      1.0,
			Reason:          ReasonCriticalRiskOverride,
			MetadataFactors: []string{"keyword=" + det.Keyword},
			IsEdgeCase:      true,
			EdgeCaseType:    EdgeCritical,
		}
	case det.Triggered && det.Type == EdgeHigh:
		return RoutingDecision{
			Agent:           robustAgent,
			Confidence:      1.0,
			Reason:          ReasonHighRiskOverride,
			MetadataFactors: []string{"keyword=" + det.Keyword},
			IsEdgeCase:      true,
			EdgeCaseType:    EdgeHigh,
		}
	}

	// 2. Sensitive content and enforced risk sessions pin the robust agent.
	if det.Triggered && det.Type == EdgeSensitive {
		return RoutingDecision{
			Agent:           robustAgent,
			Confidence:      0.9,
			Reason:          ReasonSensitiveContent,
			MetadataFactors: []string{"keyword=" + det.Keyword},
			IsEdgeCase:      true,
			EdgeCaseType:    EdgeSensitive,
		}
	}
	if forceStandard {
		factors := []string{"risk_session=true"}
		if ec.Metadata != nil && ec.Metadata.SessionRiskState != nil {
			factors = append(factors, fmt.Sprintf("consecutive_safe_turns=%d", ec.Metadata.SessionRiskState.ConsecutiveSafeTurns))
		}
		return RoutingDecision{
			Agent:           robustAgent,
			Confidence:      0.9,
			Reason:          ReasonRiskSessionEnforced,
			MetadataFactors: factors,
			IsEdgeCase:      true,
			EdgeCaseType:    det.Type,
		}
	}

	// 3. Explicit user request. Confidence is exact by definition.
	if agent, ok := ParseExplicitSwitch(ec.Query); ok {
		return RoutingDecision{
			Agent:             agent,
			Confidence:        1.0,
			Reason:            ReasonExplicitRequest,
			IsExplicitRequest: true,
		}
	}

	// 4. Stability override: too many recent switches, stay put.
	if ec.Metadata != nil && ec.Metadata.ConsecutiveSwitches >= r.maxSwitches && ec.PreviousAgent != "" {
		return RoutingDecision{
			Agent:      ec.PreviousAgent,
			Confidence: 1.0,
			Reason:     ReasonStabilityOverride,
			MetadataFactors: []string{
				fmt.Sprintf("consecutive_switches=%d", ec.Metadata.ConsecutiveSwitches),
			},
		}
	}

	// 5. Model classification, with entity signals and phase hints resolving
	// the ambiguous band.
	decision, err := r.classify(ctx, ec)
	if err != nil {
		fallback := ec.PreviousAgent
		if fallback == "" {
			fallback = AgentSocratico
		}
		r.logger.Warn("intent classification failed, falling back",
			"fallback", fallback, "error", err)
		return RoutingDecision{
			Agent:      fallback,
			Confidence: 0.0,
			Reason:     ReasonRoutingFailure,
		}
	}
	return decision
}

// classify runs the one-shot model classification and resolves its
// confidence band.
func (r *IntentRouter) classify(ctx context.Context, ec *EnrichedContext) (RoutingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, routingDeadline)
	defer cancel()

	msgs := make([]ChatMessage, 0, len(ec.History)+1)
	for _, m := range recentHistory(ec.History, 6) {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, UserMessage(ec.Query))

	resp, err := r.model.Generate(ctx, GenerateRequest{
		Model:             r.modelID,
		SystemInstruction: classifyIntentPrompt,
		Messages:          msgs,
		Tools:             []ToolDefinition{classifyIntentTool},
		Temperature:       0.0,
	})
	if err != nil {
		return RoutingDecision{}, err
	}

	agent, confidence, err := parseClassification(resp)
	if err != nil {
		return RoutingDecision{}, err
	}

	switch {
	case confidence >= r.confidenceHigh:
		return RoutingDecision{
			Agent:      agent,
			Confidence: confidence,
			Reason:     ReasonModelClassification,
		}, nil
	case confidence <= r.confidenceLow:
		fallback := ec.PreviousAgent
		if fallback == "" {
			fallback = AgentSocratico
		}
		return RoutingDecision{
			Agent:           fallback,
			Confidence:      confidence,
			Reason:          ReasonLowConfidence,
			MetadataFactors: []string{"classified=" + agent},
		}, nil
	}

	// Ambiguous band: primary entity signals first, phase hints second.
	if signal := entitySignalAgent(ec.Entities); signal != "" {
		return RoutingDecision{
			Agent:           signal,
			Confidence:      confidence,
			Reason:          ReasonEntitySignal,
			MetadataFactors: []string{"classified=" + agent},
		}, nil
	}
	if ec.Metadata != nil {
		if hint := phaseHintAgent(ec.Metadata.TherapeuticPhase); hint != "" {
			return RoutingDecision{
				Agent:           hint,
				Confidence:      confidence,
				Reason:          ReasonPhaseHint,
				MetadataFactors: []string{"phase=" + string(ec.Metadata.TherapeuticPhase), "classified=" + agent},
			}, nil
		}
	}
	fallback := ec.PreviousAgent
	if fallback == "" {
		fallback = agent
	}
	return RoutingDecision{
		Agent:           fallback,
		Confidence:      confidence,
		Reason:          ReasonLowConfidence,
		MetadataFactors: []string{"classified=" + agent},
	}, nil
}

// entitySignalAgent returns the agent indicated by the strongest primary
// entity signal, or empty.
func entitySignalAgent(ext ExtractionResult) string {
	best := ""
	bestConf := 0.0
	for _, ent := range ext.PrimaryEntities {
		if agent, ok := entityAgentSignals[ent.Type]; ok && ent.Confidence > bestConf {
			best = agent
			bestConf = ent.Confidence
		}
	}
	return best
}

// phaseHintAgent maps a therapeutic phase to a tie-breaking agent hint:
// closure leans documentation, assessment leans reflective supervision.
func phaseHintAgent(phase TherapeuticPhase) string {
	switch phase {
	case PhaseClosure:
		return AgentClinico
	case PhaseAssessment:
		return AgentSocratico
	default:
		return ""
	}
}

// parseClassification extracts the classification from a function call,
// falling back to JSON in the content.
func parseClassification(resp GenerateResponse) (string, float64, error) {
	var payload struct {
		Agent      string  `json:"agent"`
		Confidence float64 `json:"confidence"`
	}
	for _, fc := range resp.FunctionCalls {
		if fc.Name == classifyIntentTool.Name {
			if err := json.Unmarshal(fc.Args, &payload); err == nil && payload.Agent != "" {
				return payload.Agent, payload.Confidence, nil
			}
		}
	}
	trimmed := strings.TrimSpace(resp.Content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err == nil && payload.Agent != "" {
			return payload.Agent, payload.Confidence, nil
		}
	}
	return "", 0, fmt.Errorf("no classification in model response")
}

// recentHistory returns the last n messages of history.
func recentHistory(history []Message, n int) []Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
