package consulta

import (
	"context"
	"testing"
	"time"
)

func TestPhaseForSessionCount(t *testing.T) {
	cases := []struct {
		n    int
		want TherapeuticPhase
	}{
		{0, PhaseAssessment},
		{3, PhaseAssessment},
		{4, PhaseIntervention},
		{12, PhaseIntervention},
		{13, PhaseMaintenance},
		{24, PhaseMaintenance},
		{25, PhaseClosure},
	}
	for _, tc := range cases {
		if got := phaseForSessionCount(tc.n); got != tc.want {
			t.Errorf("phaseForSessionCount(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestTimeOfDay(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{6, "morning"},
		{11, "morning"},
		{12, "afternoon"},
		{17, "afternoon"},
		{18, "evening"},
		{22, "evening"},
		{23, "night"},
		{2, "night"},
		{5, "night"},
	}
	for _, tc := range cases {
		if got := timeOfDay(tc.hour); got != tc.want {
			t.Errorf("timeOfDay(%d) = %q, want %q", tc.hour, got, tc.want)
		}
	}
}

func TestRegionForTimezone(t *testing.T) {
	cases := []struct {
		tz   string
		want Region
	}{
		{"Europe/Madrid", RegionEU},
		{"Asia/Tokyo", RegionASIA},
		{"America/Santiago", RegionLATAM},
		{"America/Mexico_City", RegionLATAM},
		{"America/Argentina/Buenos_Aires", RegionLATAM},
		{"America/New_York", RegionUS},
		{"America/Chicago", RegionUS},
		{"UTC", RegionOther},
		{"Australia/Sydney", RegionOther},
	}
	for _, tc := range cases {
		if got := regionForTimezone(tc.tz); got != tc.want {
			t.Errorf("regionForTimezone(%q) = %v, want %v", tc.tz, got, tc.want)
		}
	}
}

func TestCollectTemporalFields(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 21, 30, 0, 0, time.UTC)
	c := NewMetadataCollector(newMemStore(), newMemPatients(),
		CollectorLocation(time.UTC),
		CollectorClock(func() time.Time { return fixed }))

	s := &Session{
		ID:       "s1",
		Metadata: SessionMetadata{CreatedAt: fixed.Unix() - 45*60},
	}
	meta := c.Collect(context.Background(), s)

	if meta.TimeOfDay != "evening" {
		t.Errorf("TimeOfDay = %q", meta.TimeOfDay)
	}
	if meta.SessionDurationMinutes != 45 {
		t.Errorf("duration = %d, want 45", meta.SessionDurationMinutes)
	}
	if meta.LocalTime != "21:30" {
		t.Errorf("LocalTime = %q", meta.LocalTime)
	}
	if meta.Region != RegionOther {
		t.Errorf("Region = %v", meta.Region)
	}
}

func TestCollectAgentHistory(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewMetadataCollector(newMemStore(), newMemPatients(),
		CollectorClock(func() time.Time { return fixed }))

	recent := fixed.Unix() - 60       // inside the 5-minute window
	old := fixed.Unix() - 20*60       // outside

	s := &Session{ID: "s1", History: []Message{
		{Role: RoleUser, Content: "hola", Timestamp: old},
		{Role: RoleModel, Agent: AgentSocratico, Content: "a", Timestamp: old},
		{Role: RoleModel, Agent: AgentClinico, Content: "b", Timestamp: old},
		{Role: RoleModel, Agent: AgentClinico, Content: "c", Timestamp: recent},
		{Role: RoleModel, Agent: AgentAcademico, Content: "d", Timestamp: recent},
	}}
	meta := c.Collect(context.Background(), s)

	if len(meta.AgentTransitions) != 2 {
		t.Fatalf("transitions = %+v", meta.AgentTransitions)
	}
	if meta.AgentTransitions[0].From != AgentSocratico || meta.AgentTransitions[0].To != AgentClinico {
		t.Errorf("first transition = %+v", meta.AgentTransitions[0])
	}
	if meta.AgentTurnCounts[AgentClinico] != 2 {
		t.Errorf("turn counts = %v", meta.AgentTurnCounts)
	}
	// Only the socratico→clinico switch is old; the clinico→academico one is
	// inside the trailing window.
	if meta.ConsecutiveSwitches != 1 {
		t.Errorf("ConsecutiveSwitches = %d, want 1", meta.ConsecutiveSwitches)
	}
	if meta.LastAgentSwitch != recent {
		t.Errorf("LastAgentSwitch = %d", meta.LastAgentSwitch)
	}
}

func TestCollectRiskState(t *testing.T) {
	c := NewMetadataCollector(newMemStore(), newMemPatients())
	s := &Session{ID: "s1", Risk: &RiskState{
		IsRiskSession: true,
		RiskLevel:     RiskCritical,
		RiskType:      RiskTypeRisk,
		LastRiskCheck: 500,
	}}
	meta := c.Collect(context.Background(), s)

	if meta.SessionRiskState == nil || !meta.SessionRiskState.IsRiskSession {
		t.Fatal("risk state not mirrored")
	}
	if !meta.RequiresImmediateAttention {
		t.Error("critical risk must require attention")
	}
	if meta.RiskLevel != RiskCritical || meta.LastRiskAssessment != 500 {
		t.Errorf("meta = %+v", meta)
	}
	// Mirror, not alias: mutating the metadata copy leaves the session alone.
	meta.SessionRiskState.IsRiskSession = false
	if !s.Risk.IsRiskSession {
		t.Error("session risk state aliased")
	}
}

func TestCollectInactiveRiskStateCarriesNoFlags(t *testing.T) {
	c := NewMetadataCollector(newMemStore(), newMemPatients())
	s := &Session{ID: "s1", Risk: &RiskState{IsRiskSession: false, RiskLevel: RiskHigh}}
	meta := c.Collect(context.Background(), s)
	if meta.RiskLevel != "" || meta.RequiresImmediateAttention {
		t.Errorf("inactive risk leaked: %+v", meta)
	}
}

func TestCollectPatientContext(t *testing.T) {
	store := newMemStore()
	patients := newMemPatients(&Patient{
		ID:      "p1",
		Summary: PatientSummary{Text: "ficha disponible"},
	})

	// Two prior sessions for the patient.
	for i, ts := range []int64{1000, 2000} {
		store.put(&Session{
			ID:       "prev" + string(rune('a'+i)),
			Clinical: ClinicalContext{PatientID: "p1"},
			Metadata: SessionMetadata{LastUpdated: ts},
		})
	}

	c := NewMetadataCollector(store, patients)
	s := &Session{ID: "s1", Clinical: ClinicalContext{PatientID: "p1", SessionType: "tcc"}}
	meta := c.Collect(context.Background(), s)

	if !meta.PatientSummaryAvailable {
		t.Error("summary availability not detected")
	}
	if meta.SessionCount != 2 || meta.TherapeuticPhase != PhaseAssessment {
		t.Errorf("meta = %+v", meta)
	}
	if meta.TreatmentModality != "tcc" {
		t.Errorf("modality = %q", meta.TreatmentModality)
	}
	if meta.LastSessionDate != time.Unix(2000, 0).UTC().Format("2006-01-02") {
		t.Errorf("LastSessionDate = %q", meta.LastSessionDate)
	}
}

func TestCollectDegradesOnPatientLookupFailure(t *testing.T) {
	c := NewMetadataCollector(newMemStore(), newMemPatients())
	s := &Session{ID: "s1", Clinical: ClinicalContext{PatientID: "missing"}}
	meta := c.Collect(context.Background(), s)
	if meta == nil {
		t.Fatal("Collect returned nil")
	}
	if meta.PatientID != "missing" || meta.PatientSummaryAvailable {
		t.Errorf("meta = %+v", meta)
	}
}
