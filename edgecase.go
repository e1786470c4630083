package consulta

import (
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// EdgeCaseType classifies what kind of edge case was detected.
type EdgeCaseType string

const (
	EdgeCritical  EdgeCaseType = "critical_risk"
	EdgeHigh      EdgeCaseType = "high_risk"
	EdgeStress    EdgeCaseType = "stress"
	EdgeSensitive EdgeCaseType = "sensitive_content"
)

// DefaultSafeTurnsThreshold is the number of consecutive safe turns required
// to de-escalate a risk session.
const DefaultSafeTurnsThreshold = 3

// defaultCriticalKeywords trigger an immediate critical override. Detection
// is conservative: a keyword alone suffices, no surrounding context required.
// All phrases are stored lowercase.
var defaultCriticalKeywords = []string{
	"ideación suicida",
	"ideacion suicida",
	"suicidio",
	"suicidarse",
	"quitarse la vida",
	"quiero morir",
	"quiere morirse",
	"matarme",
	"matarse",
	"plan suicida",
	"sobredosis intencional",
	"suicidal ideation",
	"kill myself",
	"kill himself",
	"kill herself",
	"end my life",
	"want to die",
}

// defaultHighRiskKeywords mark high (non-critical) risk.
var defaultHighRiskKeywords = []string{
	"autolesión",
	"autolesion",
	"autolesiones",
	"cortarse",
	"hacerse daño",
	"conducta de riesgo",
	"abuso",
	"maltrato",
	"violencia doméstica",
	"violencia domestica",
	"crisis aguda",
	"self-harm",
	"self harm",
	"hurting myself",
	"overdose",
}

// defaultSensitiveKeywords mark content that forces standard routing without
// a risk override.
var defaultSensitiveKeywords = []string{
	"trauma",
	"agresión sexual",
	"agresion sexual",
	"abuso infantil",
	"negligencia",
	"duelo reciente",
	"pérdida de un hijo",
	"perdida de un hijo",
}

// zeroWidthChars strips Unicode zero-width and invisible characters used
// for obfuscation before keyword matching.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u00ad", "", // soft hyphen (removed, not replaced)
)

// Detection is the result of one edge-case pre-check.
type Detection struct {
	Triggered     bool
	Type          EdgeCaseType
	Level         RiskLevel
	Keyword       string
	StressSignals []string
}

// EdgeCaseDetector performs the pre-model risk check on user input and
// maintains the session's persistent escalation state. Safe for concurrent
// use; all mutation happens on the session passed in, which the caller
// holds the per-session lock for.
type EdgeCaseDetector struct {
	critical  []string
	high      []string
	sensitive []string

	safeTurns           int
	nightSessionMinutes int // local-time minutes after which a session counts as late-night
	maxSessionMinutes   int
	maxSwitches         int

	logger *slog.Logger
}

// DetectorOption configures an EdgeCaseDetector.
type DetectorOption func(*EdgeCaseDetector)

// SafeTurnsThreshold sets the de-escalation length (default 3).
func SafeTurnsThreshold(n int) DetectorOption {
	return func(d *EdgeCaseDetector) { d.safeTurns = n }
}

// MaxSessionMinutes sets the long-session stress signal threshold (default 120).
func MaxSessionMinutes(n int) DetectorOption {
	return func(d *EdgeCaseDetector) { d.maxSessionMinutes = n }
}

// NightSessionMinutes sets the minimum session length for the late-night
// stress signal (default 30).
func NightSessionMinutes(n int) DetectorOption {
	return func(d *EdgeCaseDetector) { d.nightSessionMinutes = n }
}

// MaxConsecutiveSwitches sets the rapid-switch stress threshold (default 4).
func MaxConsecutiveSwitches(n int) DetectorOption {
	return func(d *EdgeCaseDetector) { d.maxSwitches = n }
}

// CriticalKeywords appends custom critical keywords (lowercased).
func CriticalKeywords(kw ...string) DetectorOption {
	return func(d *EdgeCaseDetector) {
		for _, k := range kw {
			d.critical = append(d.critical, strings.ToLower(k))
		}
	}
}

// HighRiskKeywords appends custom high-risk keywords (lowercased).
func HighRiskKeywords(kw ...string) DetectorOption {
	return func(d *EdgeCaseDetector) {
		for _, k := range kw {
			d.high = append(d.high, strings.ToLower(k))
		}
	}
}

// DetectorLogger sets the structured logger. Detections log at WARN level.
func DetectorLogger(l *slog.Logger) DetectorOption {
	return func(d *EdgeCaseDetector) { d.logger = l }
}

// NewEdgeCaseDetector creates a detector with the built-in keyword lists.
func NewEdgeCaseDetector(opts ...DetectorOption) *EdgeCaseDetector {
	d := &EdgeCaseDetector{
		critical:            append([]string{}, defaultCriticalKeywords...),
		high:                append([]string{}, defaultHighRiskKeywords...),
		sensitive:           append([]string{}, defaultSensitiveKeywords...),
		safeTurns:           DefaultSafeTurnsThreshold,
		nightSessionMinutes: 30,
		maxSessionMinutes:   120,
		maxSwitches:         4,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// SafeTurns returns the configured de-escalation threshold.
func (d *EdgeCaseDetector) SafeTurns() int { return d.safeTurns }

// Check scans input and the turn's operational metadata for edge cases.
// It does not mutate session state; see Apply.
func (d *EdgeCaseDetector) Check(input string, patient *Patient, meta *OperationalMetadata) Detection {
	// Pre-pass: strip zero-width characters, normalize unicode (NFKC handles
	// fullwidth Latin, homoglyph-adjacent forms, ligatures), lowercase.
	cleaned := strings.ToLower(norm.NFKC.String(zeroWidthChars.Replace(input)))

	if kw := matchKeyword(cleaned, d.critical); kw != "" {
		d.logger.Warn("critical risk keyword detected", "keyword", kw)
		return Detection{Triggered: true, Type: EdgeCritical, Level: RiskCritical, Keyword: kw}
	}
	if kw := matchKeyword(cleaned, d.high); kw != "" {
		d.logger.Warn("high risk keyword detected", "keyword", kw)
		return Detection{Triggered: true, Type: EdgeHigh, Level: RiskHigh, Keyword: kw}
	}

	// Patient-level active risk flags escalate even without a keyword hit.
	if patient != nil {
		for _, tag := range patient.Tags {
			if strings.EqualFold(tag, "riesgo_activo") || strings.EqualFold(tag, "active_risk") {
				d.logger.Warn("patient has active risk flag", "patient", patient.ID)
				return Detection{Triggered: true, Type: EdgeHigh, Level: RiskHigh, Keyword: tag}
			}
		}
	}

	if kw := matchKeyword(cleaned, d.sensitive); kw != "" {
		return Detection{Triggered: true, Type: EdgeSensitive, Level: RiskMedium, Keyword: kw}
	}

	// Stress signals never trigger an override on their own; they surface
	// through metadata and the stress edge-case type.
	var signals []string
	if meta != nil {
		if meta.SessionDurationMinutes > d.maxSessionMinutes {
			signals = append(signals, "long_session")
		}
		if meta.TimeOfDay == "night" && meta.SessionDurationMinutes >= d.nightSessionMinutes {
			signals = append(signals, "late_night_session")
		}
		if meta.ConsecutiveSwitches >= d.maxSwitches {
			signals = append(signals, "rapid_agent_switches")
		}
	}
	if len(signals) > 0 {
		return Detection{Triggered: true, Type: EdgeStress, Level: RiskMedium, StressSignals: signals}
	}

	return Detection{}
}

// Apply folds a detection into the session's persistent risk state and
// reports whether this turn must be forced through standard routing.
// The forcing decision uses the state as it was at the start of the turn,
// so the turn that completes de-escalation is itself still standard-routed.
func (d *EdgeCaseDetector) Apply(s *Session, det Detection, now int64) bool {
	wasRisk := s.Risk != nil && s.Risk.IsRiskSession
	preSafeTurns := 0
	if s.Risk != nil {
		preSafeTurns = s.Risk.ConsecutiveSafeTurns
	}

	if det.Triggered && det.Type != EdgeStress {
		if s.Risk == nil {
			s.Risk = &RiskState{}
		}
		s.Risk.IsRiskSession = true
		s.Risk.RiskLevel = det.Level
		s.Risk.RiskType = riskTypeFor(det.Type)
		s.Risk.ConsecutiveSafeTurns = 0
		if s.Risk.DetectedAt == 0 {
			s.Risk.DetectedAt = now
		}
		s.Risk.LastRiskCheck = now
		return true
	}

	if s.Risk != nil {
		s.Risk.LastRiskCheck = now
		if s.Risk.IsRiskSession {
			s.Risk.ConsecutiveSafeTurns++
			if s.Risk.ConsecutiveSafeTurns >= d.safeTurns {
				d.logger.Info("risk session de-escalated",
					"session", s.ID,
					"safe_turns", s.Risk.ConsecutiveSafeTurns)
				s.Risk.IsRiskSession = false
			}
		}
	}

	// Standard routing remains enforced while the session was still in risk
	// at the start of this turn.
	return wasRisk && preSafeTurns < d.safeTurns
}

func riskTypeFor(t EdgeCaseType) RiskType {
	switch t {
	case EdgeCritical, EdgeHigh:
		return RiskTypeRisk
	case EdgeSensitive:
		return RiskTypeSensitive
	default:
		return RiskTypeStress
	}
}

func matchKeyword(cleaned string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(cleaned, kw) {
			return kw
		}
	}
	return ""
}
