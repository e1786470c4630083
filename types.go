package consulta

import "encoding/json"

// Agent names. Each names a variant with its own system instruction,
// tool set, and model configuration (see AgentRegistry).
const (
	// AgentSocratico is the reflective supervision agent.
	AgentSocratico = "socratico"
	// AgentClinico is the documentation agent; it is also the "robust"
	// agent that risk overrides route to.
	AgentClinico = "clinico"
	// AgentAcademico is the research agent.
	AgentAcademico = "academico"
	// AgentOrquestador is the meta agent used by dynamic orchestration.
	AgentOrquestador = "orquestador"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// --- Domain types (session records) ---

// Message is one entry in a session's history.
// Agent is set iff Role == RoleModel.
type Message struct {
	ID               string   `json:"id"`
	Role             string   `json:"role"` // "user" or "model"
	Content          string   `json:"content"`
	Agent            string   `json:"agent,omitempty"`
	Timestamp        int64    `json:"timestamp"`
	FileReferences   []string `json:"file_references,omitempty"`
	GroundingURLs    []string `json:"grounding_urls,omitempty"`
	ReasoningBullets []string `json:"reasoning_bullets,omitempty"`
	// Incomplete marks a partial message persisted after a mid-stream
	// cancellation. A later successful retry merges over it.
	Incomplete bool `json:"incomplete,omitempty"`
}

// RiskLevel grades a risk detection.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskType classifies what triggered a risk session.
type RiskType string

const (
	RiskTypeRisk      RiskType = "risk"
	RiskTypeStress    RiskType = "stress"
	RiskTypeSensitive RiskType = "sensitive_content"
)

// RiskState is the persistent risk escalation state of a session.
// While IsRiskSession is true and ConsecutiveSafeTurns is below the
// configured safe-turns threshold, turns are forced through standard
// routing with edge-case detection.
type RiskState struct {
	IsRiskSession        bool      `json:"is_risk_session"`
	RiskLevel            RiskLevel `json:"risk_level"`
	DetectedAt           int64     `json:"detected_at"`
	RiskType             RiskType  `json:"risk_type,omitempty"`
	LastRiskCheck        int64     `json:"last_risk_check"`
	ConsecutiveSafeTurns int       `json:"consecutive_safe_turns"`
}

// SessionMetadata carries session counters and file references.
type SessionMetadata struct {
	CreatedAt   int64 `json:"created_at"`
	LastUpdated int64 `json:"last_updated"`
	// TotalTokens is monotonically non-decreasing; incremented only when a
	// message is appended, never by an idempotent merge.
	TotalTokens int      `json:"total_tokens"`
	FileRefs    []string `json:"file_refs,omitempty"`
}

// ClinicalContext links a session to a patient and its confidentiality level.
type ClinicalContext struct {
	PatientID       string `json:"patient_id,omitempty"`
	SessionType     string `json:"session_type,omitempty"`
	Confidentiality string `json:"confidentiality"` // "high", "medium", "low"
}

// Session is the unit of conversation state. History is append-only except
// for the idempotent merge on the last assistant message. The core is the
// only mutator while a turn is in progress (per-session lock).
type Session struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Mode        string          `json:"mode"`
	ActiveAgent string          `json:"active_agent"`
	Title       string          `json:"title,omitempty"`
	History     []Message       `json:"history"`
	Metadata    SessionMetadata `json:"metadata"`
	Clinical    ClinicalContext `json:"clinical_context"`
	Risk        *RiskState      `json:"risk_state,omitempty"`
	// Dirty marks a session whose last save failed after a successful
	// generation; the next load reconciles it.
	Dirty bool `json:"dirty,omitempty"`
}

// LastMessage returns the last history entry, or nil for an empty history.
func (s *Session) LastMessage() *Message {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// LastUserMessage returns the most recent user message, or nil.
func (s *Session) LastUserMessage() *Message {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			return &s.History[i]
		}
	}
	return nil
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Title        string `json:"title,omitempty"`
	ActiveAgent  string `json:"active_agent"`
	LastUpdated  int64  `json:"last_updated"`
	MessageCount int    `json:"message_count"`
}

// SessionMeta is caller-supplied per-turn or per-create patient context.
type SessionMeta struct {
	PatientID       string `json:"patient_id,omitempty"`
	SessionType     string `json:"session_type,omitempty"`
	Confidentiality string `json:"confidentiality_level,omitempty"`
	// SummaryText, when set, replaces the PatientStore summary lookup.
	SummaryText string `json:"summary_text,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// --- Patient (read-only to the core) ---

// PatientSummary is the cached ficha summary for a patient.
type PatientSummary struct {
	Text       string `json:"text"`
	Version    int    `json:"version"`
	UpdatedAt  int64  `json:"updated_at"`
	TokenCount int    `json:"token_count,omitempty"`
}

// Patient is consumed, never mutated, by the core.
type Patient struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Tags        []string       `json:"tags,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Summary     PatientSummary `json:"summary_cache"`
}

// --- Operational metadata (derived per turn, never persisted standalone) ---

// Region buckets a timezone into a coarse geography.
type Region string

const (
	RegionLATAM Region = "LATAM"
	RegionEU    Region = "EU"
	RegionUS    Region = "US"
	RegionASIA  Region = "ASIA"
	RegionOther Region = "OTHER"
)

// TherapeuticPhase is derived from the patient's session count.
type TherapeuticPhase string

const (
	PhaseAssessment   TherapeuticPhase = "assessment"
	PhaseIntervention TherapeuticPhase = "intervention"
	PhaseMaintenance  TherapeuticPhase = "maintenance"
	PhaseClosure      TherapeuticPhase = "closure"
)

// AgentTransition records one agent switch mined from history.
type AgentTransition struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"`
}

// OperationalMetadata is the per-turn derived record feeding routing
// decisions. Any field whose lookup fails degrades to its zero/unknown
// variant; metadata assembly never aborts a turn.
type OperationalMetadata struct {
	// Temporal
	TimestampUTC           string `json:"timestamp_utc"`
	Timezone               string `json:"timezone"`
	LocalTime              string `json:"local_time"`
	Region                 Region `json:"region"`
	SessionDurationMinutes int    `json:"session_duration_minutes"`
	TimeOfDay              string `json:"time_of_day"` // morning/afternoon/evening/night

	// Risk
	RiskFlagsActive            []string  `json:"risk_flags_active,omitempty"`
	RiskLevel                  RiskLevel `json:"risk_level,omitempty"`
	LastRiskAssessment         int64     `json:"last_risk_assessment,omitempty"`
	RequiresImmediateAttention bool      `json:"requires_immediate_attention"`

	// Agent history
	AgentTransitions []AgentTransition `json:"agent_transitions,omitempty"`
	AgentTurnCounts  map[string]int    `json:"agent_turn_counts,omitempty"`
	LastAgentSwitch  int64             `json:"last_agent_switch,omitempty"`
	// ConsecutiveSwitches counts switches within a 5-minute trailing window.
	ConsecutiveSwitches int `json:"consecutive_switches"`

	// Patient context
	PatientID               string           `json:"patient_id,omitempty"`
	PatientSummaryAvailable bool             `json:"patient_summary_available"`
	TherapeuticPhase        TherapeuticPhase `json:"therapeutic_phase,omitempty"`
	SessionCount            int              `json:"session_count"`
	LastSessionDate         string           `json:"last_session_date,omitempty"`
	TreatmentModality       string           `json:"treatment_modality,omitempty"`

	// SessionRiskState mirrors the session's persistent risk state.
	SessionRiskState *RiskState `json:"session_risk_state,omitempty"`
}

// --- Model protocol types ---

// ChatMessage is one turn in a model request.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "model"
	Content string `json:"content"`
}

// FunctionCall is a structured call returned by the model.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// SafetySetting is one harm-category threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafetySettings returns the fixed safety set used for every agent:
// BLOCK_MEDIUM_AND_ABOVE across the four harm categories.
func DefaultSafetySettings() []SafetySetting {
	const threshold = "BLOCK_MEDIUM_AND_ABOVE"
	return []SafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: threshold},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: threshold},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: threshold},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: threshold},
	}
}

// GenerateRequest carries everything one model call needs.
type GenerateRequest struct {
	Model             string           `json:"model"`
	SystemInstruction string           `json:"system_instruction,omitempty"`
	Messages          []ChatMessage    `json:"messages"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
	Safety            []SafetySetting  `json:"safety,omitempty"`
	Temperature       float64          `json:"temperature,omitempty"`
	TopP              float64          `json:"top_p,omitempty"`
	TopK              int              `json:"top_k,omitempty"`
	MaxOutputTokens   int              `json:"max_output_tokens,omitempty"`
}

// Usage tracks token counts for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateResponse is the complete result of one model call.
// Model echoes the model id actually used.
type GenerateResponse struct {
	Content       string         `json:"content"`
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
	GroundingURLs []string       `json:"grounding_urls,omitempty"`
	Usage         Usage          `json:"usage"`
	Model         string         `json:"model,omitempty"`
	// Incomplete marks partial output retained after a cancellation.
	Incomplete bool `json:"incomplete,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func ModelMessage(text string) ChatMessage {
	return ChatMessage{Role: "model", Content: text}
}
