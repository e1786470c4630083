package consulta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Orchestration policy bounds.
const (
	// defaultLockThreshold is the confidence needed to accept the
	// orchestrator's agent selection without falling back to the router.
	defaultLockThreshold = 0.75
	// toolContinuityTurns keeps a recently used tool in the contextual set
	// when the new intent overlaps.
	toolContinuityTurns = 3
	// topicWindowTurns is the cadence for dominant-topic recomputation.
	topicWindowTurns = 5
	// sessionToolBudget caps unique tools tracked per session (LRU evicted).
	sessionToolBudget = 20
	// maxMergedTools caps the prioritized union of dynamic and profile tools.
	maxMergedTools = 8
	// auditRingSize bounds the in-memory orchestration audit trail.
	auditRingSize = 1000
)

// OrchestrateInput carries everything one orchestration pass needs.
type OrchestrateInput struct {
	SessionID      string
	UserID         string
	Input          string
	SessionFiles   []string
	History        []Message
	PatientSummary string
	PreviousAgent  string
	// Bullets, when non-nil, receives progress updates as the pass runs.
	Bullets *BulletSink
}

// OrchestratorResult is the outcome of one orchestration pass.
type OrchestratorResult struct {
	SelectedAgent   string           `json:"selected_agent"`
	Confidence      float64          `json:"confidence"`
	Reasoning       string           `json:"reasoning,omitempty"`
	ContextualTools []ToolDefinition `json:"-"`
	Recommendations []string         `json:"recommendations,omitempty"`
	SessionContext  string           `json:"session_context,omitempty"`
}

// AuditEntry is one record in the bounded orchestration audit trail.
type AuditEntry struct {
	At         int64   `json:"at"`
	SessionID  string  `json:"session_id"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

var orchestrateTool = ToolDefinition{
	Name:        "orquestar",
	Description: "Selecciona el agente y las herramientas para la consulta actual.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","enum":["socratico","clinico","academico"]},"confidence":{"type":"number"},"reasoning":{"type":"string"},"tools":{"type":"array","items":{"type":"string"}},"recommendations":{"type":"array","items":{"type":"string"}}},"required":["agent","confidence"]}`),
}

// sessionSignals is the per-session learning state: tool usage recency
// (LRU over turn numbers), recent inputs, and the dominant topic.
type sessionSignals struct {
	turn          int
	toolLastUsed  map[string]int
	recentInputs  []string
	dominantTopic string
}

// DynamicOrchestrator selects agent and tools with session-scoped learning
// signals. Safe for concurrent use across sessions.
type DynamicOrchestrator struct {
	model         ModelClient
	modelID       string
	registry      *AgentRegistry
	lockThreshold float64
	logger        *slog.Logger
	tracer        Tracer

	mu       sync.Mutex
	sessions map[string]*sessionSignals
	audit    []AuditEntry
	auditPos int
}

// OrchestratorOption configures a DynamicOrchestrator.
type OrchestratorOption func(*DynamicOrchestrator)

// OrchestratorModelID sets the model id for orchestration calls.
func OrchestratorModelID(id string) OrchestratorOption {
	return func(o *DynamicOrchestrator) { o.modelID = id }
}

// LockThreshold sets the confidence needed to lock in the selected agent
// (default 0.75).
func LockThreshold(t float64) OrchestratorOption {
	return func(o *DynamicOrchestrator) { o.lockThreshold = t }
}

// OrchestratorLogger sets the structured logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *DynamicOrchestrator) { o.logger = l }
}

// OrchestratorTracer sets the tracer for orchestration spans.
func OrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *DynamicOrchestrator) { o.tracer = t }
}

// NewDynamicOrchestrator creates an orchestrator backed by model, drawing
// tool definitions from registry.
func NewDynamicOrchestrator(model ModelClient, registry *AgentRegistry, opts ...OrchestratorOption) *DynamicOrchestrator {
	o := &DynamicOrchestrator{
		model:         model,
		registry:      registry,
		lockThreshold: defaultLockThreshold,
		sessions:      make(map[string]*sessionSignals),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o
}

// Threshold returns the configured lock-in confidence.
func (o *DynamicOrchestrator) Threshold() float64 { return o.lockThreshold }

// Orchestrate runs one pass over in. When the returned confidence is below
// Threshold the caller falls back to the standard router.
func (o *DynamicOrchestrator) Orchestrate(ctx context.Context, in OrchestrateInput) (OrchestratorResult, error) {
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.orchestrate")
		defer span.End()
	}
	pushBullet(in.Bullets, "Analizando la intención de la consulta")

	sig := o.signalsFor(in.SessionID)
	o.mu.Lock()
	sig.turn++
	sig.recentInputs = append(sig.recentInputs, in.Input)
	if len(sig.recentInputs) > topicWindowTurns {
		sig.recentInputs = sig.recentInputs[len(sig.recentInputs)-topicWindowTurns:]
	}
	if sig.turn%topicWindowTurns == 0 {
		sig.dominantTopic = dominantTopic(sig.recentInputs)
	}
	topic := sig.dominantTopic
	o.mu.Unlock()

	resp, err := o.model.Generate(ctx, o.buildRequest(in, topic))
	if err != nil {
		return OrchestratorResult{}, fmt.Errorf("orchestration call: %w", err)
	}

	result, err := parseOrchestration(resp)
	if err != nil {
		return OrchestratorResult{}, err
	}
	result.SessionContext = topic

	pushBullet(in.Bullets, "Agente seleccionado: "+result.SelectedAgent)

	// Resolve tool names against the selected agent's profile, then apply
	// continuity and the session LRU budget.
	result.ContextualTools = o.resolveTools(in, sig, result)

	o.recordAudit(AuditEntry{
		At:         time.Now().Unix(),
		SessionID:  in.SessionID,
		Agent:      result.SelectedAgent,
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
	})
	o.logger.Debug("orchestration complete",
		"session", in.SessionID,
		"agent", result.SelectedAgent,
		"confidence", result.Confidence,
		"tools", len(result.ContextualTools))
	return result, nil
}

// Forget drops the learning signals of a deleted session.
func (o *DynamicOrchestrator) Forget(sessionID string) {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
}

// AuditTrail returns a copy of the bounded audit ring, oldest first.
func (o *DynamicOrchestrator) AuditTrail() []AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.audit) < auditRingSize {
		out := make([]AuditEntry, len(o.audit))
		copy(out, o.audit)
		return out
	}
	out := make([]AuditEntry, 0, auditRingSize)
	out = append(out, o.audit[o.auditPos:]...)
	out = append(out, o.audit[:o.auditPos]...)
	return out
}

func (o *DynamicOrchestrator) signalsFor(sessionID string) *sessionSignals {
	o.mu.Lock()
	defer o.mu.Unlock()
	sig, ok := o.sessions[sessionID]
	if !ok {
		sig = &sessionSignals{toolLastUsed: make(map[string]int)}
		o.sessions[sessionID] = sig
	}
	return sig
}

func (o *DynamicOrchestrator) buildRequest(in OrchestrateInput, topic string) GenerateRequest {
	profile, _ := o.registry.Profile(AgentOrquestador)

	var b strings.Builder
	b.WriteString(profile.SystemInstruction)
	if in.PatientSummary != "" {
		b.WriteString("\n\nContexto del paciente:\n")
		b.WriteString(in.PatientSummary)
	}
	if topic != "" {
		b.WriteString("\n\nTema dominante de la sesión: ")
		b.WriteString(topic)
	}
	if len(in.SessionFiles) > 0 {
		b.WriteString("\n\nArchivos de la sesión: ")
		b.WriteString(strings.Join(in.SessionFiles, ", "))
	}

	msgs := make([]ChatMessage, 0, 8)
	for _, m := range recentHistory(in.History, 6) {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, UserMessage(in.Input))

	modelID := o.modelID
	if modelID == "" {
		modelID = profile.ModelID
	}
	return GenerateRequest{
		Model:             modelID,
		SystemInstruction: b.String(),
		Messages:          msgs,
		Tools:             []ToolDefinition{orchestrateTool},
		Temperature:       0.0,
	}
}

// resolveTools maps the model's tool name picks to definitions, applies the
// continuity policy, updates the session LRU, and merges with the selected
// agent's profile tools (prioritized union, capped).
func (o *DynamicOrchestrator) resolveTools(in OrchestrateInput, sig *sessionSignals, result OrchestratorResult) []ToolDefinition {
	profile, ok := o.registry.Profile(result.SelectedAgent)
	if !ok {
		return nil
	}
	byName := make(map[string]ToolDefinition)
	for _, name := range o.registry.Agents() {
		if p, ok := o.registry.Profile(name); ok {
			for _, t := range p.Tools {
				byName[t.Name] = t
			}
		}
	}

	var dynamic []ToolDefinition
	for _, rec := range result.Recommendations {
		if t, ok := byName[rec]; ok {
			dynamic = append(dynamic, t)
		}
	}

	o.mu.Lock()
	// Continuity: a tool used within the last N turns stays contextual when
	// the new intent mentions it or shares tokens with its description.
	inputTokens := make(map[string]bool)
	for _, t := range tokenize(in.Input) {
		inputTokens[t] = true
	}
	for name, lastTurn := range sig.toolLastUsed {
		if sig.turn-lastTurn > toolContinuityTurns {
			continue
		}
		t, ok := byName[name]
		if !ok {
			continue
		}
		if toolOverlapsIntent(t, inputTokens) {
			dynamic = append(dynamic, t)
		}
	}
	// Record usage and enforce the per-session budget via LRU eviction.
	for _, t := range dynamic {
		sig.toolLastUsed[t.Name] = sig.turn
	}
	for len(sig.toolLastUsed) > sessionToolBudget {
		oldest, oldestTurn := "", sig.turn+1
		for name, turn := range sig.toolLastUsed {
			if turn < oldestTurn {
				oldest, oldestTurn = name, turn
			}
		}
		delete(sig.toolLastUsed, oldest)
	}
	o.mu.Unlock()

	return MergeTools(dynamic, profile.Tools)
}

// MergeTools returns the prioritized union of dynamic and profile tools:
// dynamic picks first, profile defaults after, unique by name, capped at 8.
func MergeTools(dynamic, profile []ToolDefinition) []ToolDefinition {
	seen := make(map[string]bool)
	var out []ToolDefinition
	for _, set := range [][]ToolDefinition{dynamic, profile} {
		for _, t := range set {
			if seen[t.Name] || len(out) >= maxMergedTools {
				continue
			}
			seen[t.Name] = true
			out = append(out, t)
		}
	}
	return out
}

// toolOverlapsIntent reports whether the tool's name or description shares
// a token with the current input.
func toolOverlapsIntent(t ToolDefinition, inputTokens map[string]bool) bool {
	for _, tok := range tokenize(t.Name + " " + t.Description) {
		if inputTokens[tok] {
			return true
		}
	}
	return false
}

// dominantTopic picks the most frequent non-trivial token across the recent
// input window, preferring clinical dictionary hits.
func dominantTopic(inputs []string) string {
	counts := make(map[string]int)
	for _, in := range inputs {
		lower := strings.ToLower(in)
		for _, kw := range clinicalKeywords {
			if strings.Contains(lower, kw) {
				counts[kw] += 2
			}
		}
		for _, tok := range tokenize(in) {
			counts[tok]++
		}
	}
	type kv struct {
		key   string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for k, c := range counts {
		ranked = append(ranked, kv{k, c})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].count != ranked[b].count {
			return ranked[a].count > ranked[b].count
		}
		return ranked[a].key < ranked[b].key
	})
	if len(ranked) == 0 || ranked[0].count < 2 {
		return ""
	}
	return ranked[0].key
}

// recordAudit appends to the bounded ring.
func (o *DynamicOrchestrator) recordAudit(e AuditEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.audit) < auditRingSize {
		o.audit = append(o.audit, e)
		return
	}
	o.audit[o.auditPos] = e
	o.auditPos = (o.auditPos + 1) % auditRingSize
}

// parseOrchestration extracts the orchestration result from the function
// call, falling back to JSON content.
func parseOrchestration(resp GenerateResponse) (OrchestratorResult, error) {
	var payload struct {
		Agent           string   `json:"agent"`
		Confidence      float64  `json:"confidence"`
		Reasoning       string   `json:"reasoning"`
		Tools           []string `json:"tools"`
		Recommendations []string `json:"recommendations"`
	}
	decoded := false
	for _, fc := range resp.FunctionCalls {
		if fc.Name == orchestrateTool.Name {
			if err := json.Unmarshal(fc.Args, &payload); err == nil && payload.Agent != "" {
				decoded = true
				break
			}
		}
	}
	if !decoded {
		trimmed := strings.TrimSpace(resp.Content)
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start == -1 || end < start {
			return OrchestratorResult{}, fmt.Errorf("no orchestration in model response")
		}
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil || payload.Agent == "" {
			return OrchestratorResult{}, fmt.Errorf("no orchestration in model response")
		}
	}
	return OrchestratorResult{
		SelectedAgent:   payload.Agent,
		Confidence:      payload.Confidence,
		Reasoning:       payload.Reasoning,
		Recommendations: append(payload.Tools, payload.Recommendations...),
	}, nil
}

// pushBullet forwards a progress line to the sink when one is attached.
func pushBullet(sink *BulletSink, text string) {
	if sink != nil {
		sink.Push(text)
	}
}
