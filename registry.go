package consulta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AgentProfile is the immutable configuration of one agent variant.
type AgentProfile struct {
	Name              string
	DisplayName       string
	SystemInstruction string
	Tools             []ToolDefinition
	ModelID           string
	Temperature       float64
	TopP              float64
	TopK              int
	MaxOutputTokens   int
	Safety            []SafetySetting
}

// Built-in agent tool definitions. Parameters are JSON Schema.
var (
	toolBuscarEvidencia = ToolDefinition{
		Name:        "buscar_evidencia",
		Description: "Busca evidencia empírica y literatura clínica sobre un tema.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"consulta":{"type":"string"},"tipo_fuente":{"type":"string","enum":["metaanalisis","ensayo","guia_clinica","revision"]}},"required":["consulta"]}`),
	}
	toolGenerarNota = ToolDefinition{
		Name:        "generar_nota_clinica",
		Description: "Estructura una nota clínica a partir del contenido de la sesión.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"formato":{"type":"string","enum":["soap","dap","narrativa"]},"contenido":{"type":"string"}},"required":["contenido"]}`),
	}
	toolPlanTratamiento = ToolDefinition{
		Name:        "plan_tratamiento",
		Description: "Esboza o actualiza un plan de tratamiento.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"objetivos":{"type":"array","items":{"type":"string"}},"tecnicas":{"type":"array","items":{"type":"string"}}},"required":["objetivos"]}`),
	}
	toolPreguntaSocratica = ToolDefinition{
		Name:        "pregunta_socratica",
		Description: "Formula una pregunta socrática para profundizar la reflexión del terapeuta.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"tema":{"type":"string"},"nivel":{"type":"string","enum":["superficial","intermedio","profundo"]}},"required":["tema"]}`),
	}
	toolCitarFuente = ToolDefinition{
		Name:        "citar_fuente",
		Description: "Cita una fuente académica en formato APA.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"referencia":{"type":"string"}},"required":["referencia"]}`),
	}
)

// DefaultAgentProfiles returns the built-in agent set. Model ids default to
// modelID for the chat agents; callers override per agent via configuration.
func DefaultAgentProfiles(modelID string) map[string]AgentProfile {
	return map[string]AgentProfile{
		AgentSocratico: {
			Name:        AgentSocratico,
			DisplayName: "Supervisor Socrático",
			SystemInstruction: "Eres un supervisor clínico socrático para psicoterapeutas. " +
				"Acompañas la reflexión del terapeuta sobre sus casos mediante preguntas abiertas, " +
				"descubrimiento guiado y exploración de creencias. No das respuestas directas cuando " +
				"una pregunta bien formulada puede llevar al terapeuta a su propia conclusión. " +
				"Respondes siempre en español, con calidez profesional.",
			Tools:           []ToolDefinition{toolPreguntaSocratica},
			ModelID:         modelID,
			Temperature:     0.7,
			TopP:            0.95,
			MaxOutputTokens: 2048,
			Safety:          DefaultSafetySettings(),
		},
		AgentClinico: {
			Name:        AgentClinico,
			DisplayName: "Asistente Clínico",
			SystemInstruction: "Eres un asistente de documentación clínica para psicoterapeutas. " +
				"Ayudas a estructurar notas clínicas, planes de tratamiento e informes con precisión " +
				"y lenguaje profesional. Ante indicios de riesgo (ideación suicida, autolesión, abuso) " +
				"priorizas la seguridad: contención, evaluación de riesgo y derivación según protocolo. " +
				"Respondes siempre en español.",
			Tools:           []ToolDefinition{toolGenerarNota, toolPlanTratamiento},
			ModelID:         modelID,
			Temperature:     0.3,
			TopP:            0.9,
			MaxOutputTokens: 4096,
			Safety:          DefaultSafetySettings(),
		},
		AgentAcademico: {
			Name:        AgentAcademico,
			DisplayName: "Consultor Académico",
			SystemInstruction: "Eres un consultor académico en psicología clínica. Respondes con " +
				"evidencia empírica: metaanálisis, ensayos controlados y guías clínicas. Citas fuentes " +
				"en formato APA y distingues entre evidencia sólida y preliminar. Si no hay evidencia " +
				"suficiente lo dices explícitamente. Respondes siempre en español.",
			Tools:           []ToolDefinition{toolBuscarEvidencia, toolCitarFuente},
			ModelID:         modelID,
			Temperature:     0.2,
			TopP:            0.9,
			MaxOutputTokens: 4096,
			Safety:          DefaultSafetySettings(),
		},
		AgentOrquestador: {
			Name:        AgentOrquestador,
			DisplayName: "Orquestador",
			SystemInstruction: "Eres el orquestador de un sistema de supervisión clínica. Analizas la " +
				"consulta del terapeuta y seleccionas el agente y las herramientas más adecuadas. " +
				"Respondes únicamente mediante llamadas a función.",
			ModelID:         modelID,
			Temperature:     0.0,
			MaxOutputTokens: 1024,
			Safety:          DefaultSafetySettings(),
		},
	}
}

// AgentRegistry holds the agent profiles and creates chat handles.
// Immutable after construction; safe for concurrent use.
type AgentRegistry struct {
	profiles map[string]AgentProfile
	model    ModelClient
	logger   *slog.Logger
}

// RegistryOption configures an AgentRegistry.
type RegistryOption func(*AgentRegistry)

// WithProfile replaces or adds an agent profile.
func WithProfile(p AgentProfile) RegistryOption {
	return func(r *AgentRegistry) { r.profiles[p.Name] = p }
}

// WithAgentModel overrides the model id of one agent.
func WithAgentModel(agent, modelID string) RegistryOption {
	return func(r *AgentRegistry) {
		if p, ok := r.profiles[agent]; ok {
			p.ModelID = modelID
			r.profiles[agent] = p
		}
	}
}

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *AgentRegistry) { r.logger = l }
}

// NewAgentRegistry creates a registry with the built-in profiles on model,
// using defaultModelID wherever an agent has no explicit override.
func NewAgentRegistry(model ModelClient, defaultModelID string, opts ...RegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		profiles: DefaultAgentProfiles(defaultModelID),
		model:    model,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Profile returns the profile for agent, or false if unknown.
func (r *AgentRegistry) Profile(agent string) (AgentProfile, bool) {
	p, ok := r.profiles[agent]
	return p, ok
}

// Agents returns the registered agent names.
func (r *AgentRegistry) Agents() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	return out
}

// NewChat opens a chat handle for agent, seeded with history. isTransition
// marks a mid-session agent switch so the new agent acknowledges continuity.
func (r *AgentRegistry) NewChat(agent string, history []Message, isTransition bool) (*ChatHandle, error) {
	profile, ok := r.profiles[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
	h := &ChatHandle{
		profile:      profile,
		model:        r.model,
		isTransition: isTransition,
		logger:       r.logger,
	}
	for _, m := range history {
		h.seed = append(h.seed, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return h, nil
}

// ChatHandle is one live conversation with an agent. A session has at most
// one live handle at a time; the core closes it before opening the next.
type ChatHandle struct {
	profile      AgentProfile
	model        ModelClient
	seed         []ChatMessage
	isTransition bool
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Agent returns the handle's agent name.
func (h *ChatHandle) Agent() string { return h.profile.Name }

// Closed reports whether the handle has been closed.
func (h *ChatHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close marks the handle unusable. Idempotent.
func (h *ChatHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Send runs one non-streaming turn over ec. tools, when non-nil, replaces
// the profile's default tool set for this turn.
func (h *ChatHandle) Send(ctx context.Context, ec *EnrichedContext, tools []ToolDefinition) (GenerateResponse, error) {
	req, err := h.buildRequest(ec, tools)
	if err != nil {
		return GenerateResponse{}, err
	}
	resp, err := h.model.Generate(ctx, req)
	if err == nil {
		h.recordExchange(ec.Query, resp.Content)
	}
	return resp, err
}

// Stream runs one streaming turn over ec, forwarding chunks to ch. The
// channel is closed by the model client when the stream ends.
func (h *ChatHandle) Stream(ctx context.Context, ec *EnrichedContext, tools []ToolDefinition, ch chan<- Chunk) (GenerateResponse, error) {
	req, err := h.buildRequest(ec, tools)
	if err != nil {
		close(ch)
		return GenerateResponse{}, err
	}
	resp, err := h.model.StreamGenerate(ctx, req, ch)
	if err == nil {
		h.recordExchange(ec.Query, resp.Content)
	}
	return resp, err
}

// recordExchange appends a completed turn so a reused handle carries the
// conversation forward.
func (h *ChatHandle) recordExchange(query, answer string) {
	h.mu.Lock()
	h.seed = append(h.seed, UserMessage(query), ModelMessage(answer))
	h.isTransition = false
	h.mu.Unlock()
}

// SeedLen returns how many messages the handle currently carries, seeded
// history and recorded exchanges combined.
func (h *ChatHandle) SeedLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seed)
}

// Reseed replaces the carried history, discarding recorded exchanges. The
// core calls it when compression produced a shorter history than the handle
// holds, so the next request is actually built from the compressed view.
func (h *ChatHandle) Reseed(history []Message) {
	seed := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		seed = append(seed, ChatMessage{Role: m.Role, Content: m.Content})
	}
	h.mu.Lock()
	h.seed = seed
	h.mu.Unlock()
}

func (h *ChatHandle) buildRequest(ec *EnrichedContext, tools []ToolDefinition) (GenerateRequest, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return GenerateRequest{}, fmt.Errorf("chat handle for %s is closed", h.profile.Name)
	}
	h.mu.Unlock()

	system := h.buildSystemInstruction(ec)
	msgs := make([]ChatMessage, 0, len(h.seed)+1)
	msgs = append(msgs, h.seed...)
	msgs = append(msgs, UserMessage(ec.Query))

	if tools == nil {
		tools = h.profile.Tools
	}
	return GenerateRequest{
		Model:             h.profile.ModelID,
		SystemInstruction: system,
		Messages:          msgs,
		Tools:             tools,
		Safety:            h.profile.Safety,
		Temperature:       h.profile.Temperature,
		TopP:              h.profile.TopP,
		TopK:              h.profile.TopK,
		MaxOutputTokens:   h.profile.MaxOutputTokens,
	}, nil
}

// buildSystemInstruction layers transition, patient, file, and metadata
// context over the profile's base instruction.
func (h *ChatHandle) buildSystemInstruction(ec *EnrichedContext) string {
	var b strings.Builder
	b.WriteString(h.profile.SystemInstruction)

	if h.isTransition && ec.PreviousAgent != "" && ec.PreviousAgent != h.profile.Name {
		fmt.Fprintf(&b, "\n\nLa conversación venía del agente %q. Reconoce la continuidad sin repetir lo ya tratado.", ec.PreviousAgent)
	}
	if ec.PatientSummary != "" {
		b.WriteString("\n\nContexto del paciente:\n")
		b.WriteString(ec.PatientSummary)
	}
	if len(ec.SessionFiles) > 0 {
		b.WriteString("\n\nArchivos adjuntos en la sesión: ")
		b.WriteString(strings.Join(ec.SessionFiles, ", "))
	}
	if ec.Metadata != nil {
		if raw, err := json.Marshal(ec.Metadata); err == nil {
			b.WriteString("\n\nMetadatos operativos (JSON): ")
			b.Write(raw)
		}
	}
	return b.String()
}
