package consulta

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// switchWindow is the trailing window for counting consecutive agent switches.
const switchWindow = 5 * time.Minute

// MetadataCollector assembles the per-turn OperationalMetadata record.
// Every downstream lookup failure degrades the corresponding field to its
// unknown variant; Collect never fails and never aborts a turn.
type MetadataCollector struct {
	sessions SessionStore
	patients PatientStore
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// CollectorOption configures a MetadataCollector.
type CollectorOption func(*MetadataCollector)

// CollectorLocation sets the local timezone (default time.Local).
func CollectorLocation(loc *time.Location) CollectorOption {
	return func(c *MetadataCollector) { c.location = loc }
}

// CollectorClock overrides the wall clock, for tests.
func CollectorClock(now func() time.Time) CollectorOption {
	return func(c *MetadataCollector) { c.now = now }
}

// CollectorLogger sets the structured logger for degraded lookups.
func CollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *MetadataCollector) { c.logger = l }
}

// NewMetadataCollector creates a collector reading patient data from
// patients and session counters from sessions.
func NewMetadataCollector(sessions SessionStore, patients PatientStore, opts ...CollectorOption) *MetadataCollector {
	c := &MetadataCollector{
		sessions: sessions,
		patients: patients,
		location: time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Collect derives the operational metadata for one turn of s.
func (c *MetadataCollector) Collect(ctx context.Context, s *Session) *OperationalMetadata {
	now := c.now()
	local := now.In(c.location)

	meta := &OperationalMetadata{
		TimestampUTC: now.UTC().Format(time.RFC3339),
		Timezone:     c.location.String(),
		LocalTime:    local.Format("15:04"),
		Region:       regionForTimezone(c.location.String()),
		TimeOfDay:    timeOfDay(local.Hour()),
	}

	if s.Metadata.CreatedAt > 0 {
		meta.SessionDurationMinutes = int(now.Unix()-s.Metadata.CreatedAt) / 60
	}

	c.mineAgentHistory(s, meta, now)
	c.mergeRiskState(s, meta)
	c.collectPatientContext(ctx, s, meta)

	return meta
}

// mineAgentHistory walks model messages for agent transitions and turn counts.
func (c *MetadataCollector) mineAgentHistory(s *Session, meta *OperationalMetadata, now time.Time) {
	counts := make(map[string]int)
	prev := ""
	for _, m := range s.History {
		if m.Role != RoleModel || m.Agent == "" {
			continue
		}
		counts[m.Agent]++
		if prev != "" && m.Agent != prev {
			meta.AgentTransitions = append(meta.AgentTransitions, AgentTransition{
				From: prev, To: m.Agent, At: m.Timestamp,
			})
			meta.LastAgentSwitch = m.Timestamp
		}
		prev = m.Agent
	}
	if len(counts) > 0 {
		meta.AgentTurnCounts = counts
	}

	cutoff := now.Add(-switchWindow).Unix()
	for _, tr := range meta.AgentTransitions {
		if tr.At >= cutoff {
			meta.ConsecutiveSwitches++
		}
	}
}

// mergeRiskState mirrors the session's persistent risk state into the
// metadata record.
func (c *MetadataCollector) mergeRiskState(s *Session, meta *OperationalMetadata) {
	if s.Risk == nil {
		return
	}
	rs := *s.Risk
	meta.SessionRiskState = &rs
	meta.LastRiskAssessment = rs.LastRiskCheck
	if rs.IsRiskSession {
		meta.RiskLevel = rs.RiskLevel
		meta.RiskFlagsActive = append(meta.RiskFlagsActive, string(rs.RiskType))
		meta.RequiresImmediateAttention = rs.RiskLevel == RiskCritical || rs.RiskLevel == RiskHigh
	}
}

// collectPatientContext fills patient fields, degrading silently on lookup
// failures.
func (c *MetadataCollector) collectPatientContext(ctx context.Context, s *Session, meta *OperationalMetadata) {
	patientID := s.Clinical.PatientID
	if patientID == "" {
		return
	}
	meta.PatientID = patientID
	meta.TreatmentModality = s.Clinical.SessionType

	if c.patients != nil {
		patient, err := c.patients.Load(ctx, patientID)
		if err != nil {
			c.logger.Warn("patient lookup degraded", "patient", patientID, "error", err)
		} else {
			meta.PatientSummaryAvailable = patient.Summary.Text != ""
		}
	}

	if c.sessions != nil {
		count, last, err := c.sessions.CountByPatient(ctx, patientID)
		if err != nil {
			c.logger.Warn("session count degraded", "patient", patientID, "error", err)
			return
		}
		meta.SessionCount = count
		meta.TherapeuticPhase = phaseForSessionCount(count)
		if last > 0 {
			meta.LastSessionDate = time.Unix(last, 0).UTC().Format("2006-01-02")
		}
	}
}

// phaseForSessionCount maps a patient's session count to a therapeutic phase:
// 0–3 assessment, 4–12 intervention, 13–24 maintenance, >24 closure.
func phaseForSessionCount(n int) TherapeuticPhase {
	switch {
	case n <= 3:
		return PhaseAssessment
	case n <= 12:
		return PhaseIntervention
	case n <= 24:
		return PhaseMaintenance
	default:
		return PhaseClosure
	}
}

// timeOfDay buckets a local hour: morning 6–11, afternoon 12–17,
// evening 18–22, night otherwise.
func timeOfDay(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18 && hour < 23:
		return "evening"
	default:
		return "night"
	}
}

// latamCities disambiguates America/* zones between LATAM and US.
var latamCities = map[string]bool{
	"Mexico_City": true, "Cancun": true, "Monterrey": true, "Tijuana": true,
	"Guatemala": true, "Tegucigalpa": true, "Managua": true, "Costa_Rica": true,
	"Panama": true, "Bogota": true, "Caracas": true, "Guayaquil": true,
	"Lima": true, "La_Paz": true, "Santiago": true, "Asuncion": true,
	"Montevideo": true, "Buenos_Aires": true, "Cordoba": true, "Sao_Paulo": true,
	"Bahia": true, "Fortaleza": true, "Manaus": true, "Recife": true,
	"Havana": true, "Santo_Domingo": true, "Puerto_Rico": true,
}

// regionForTimezone maps an IANA timezone name to a coarse region.
func regionForTimezone(tz string) Region {
	prefix, rest, found := strings.Cut(tz, "/")
	if !found {
		return RegionOther
	}
	switch prefix {
	case "Europe":
		return RegionEU
	case "Asia":
		return RegionASIA
	case "America":
		// America/Argentina/Buenos_Aires style has a second component.
		if city, sub, ok := strings.Cut(rest, "/"); ok {
			if city == "Argentina" {
				return RegionLATAM
			}
			rest = sub
		}
		if latamCities[rest] {
			return RegionLATAM
		}
		return RegionUS
	default:
		return RegionOther
	}
}
