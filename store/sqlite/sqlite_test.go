package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aliviolabs/consulta"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "consulta.db"), opts...)
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func sampleSession(id string) *consulta.Session {
	return &consulta.Session{
		ID:          id,
		UserID:      "u1",
		Mode:        "clinical",
		ActiveAgent: consulta.AgentSocratico,
		Title:       "Caso de ansiedad",
		History: []consulta.Message{
			{ID: "m1", Role: consulta.RoleUser, Content: "hola", Timestamp: 100},
			{ID: "m2", Role: consulta.RoleModel, Content: "buenas", Agent: consulta.AgentSocratico, Timestamp: 101},
		},
		Metadata: consulta.SessionMetadata{CreatedAt: 100, LastUpdated: 101, TotalTokens: 12},
		Clinical: consulta.ClinicalContext{PatientID: "p1", SessionType: "tcc", Confidentiality: "high"},
		Risk: &consulta.RiskState{
			IsRiskSession: true,
			RiskLevel:     consulta.RiskHigh,
			RiskType:      consulta.RiskTypeRisk,
			DetectedAt:    100,
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UserID != "u1" || got.Mode != "clinical" || got.Title != "Caso de ansiedad" {
		t.Errorf("session = %+v", got)
	}
	if len(got.History) != 2 || got.History[1].Agent != consulta.AgentSocratico {
		t.Errorf("history = %+v", got.History)
	}
	if got.Metadata.TotalTokens != 12 {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.Clinical.PatientID != "p1" || got.Clinical.Confidentiality != "high" {
		t.Errorf("clinical = %+v", got.Clinical)
	}
	if got.Risk == nil || got.Risk.RiskLevel != consulta.RiskHigh || !got.Risk.IsRiskSession {
		t.Errorf("risk = %+v", got.Risk)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	if !consulta.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSaveWithoutRiskState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	sess.Risk = nil
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Risk != nil {
		t.Errorf("risk = %+v, want nil", got.Risk)
	}
}

func TestSaveUpdatesAfterLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	sess.History = append(sess.History, consulta.Message{
		ID: "m3", Role: consulta.RoleUser, Content: "otra pregunta", Timestamp: 102,
	})
	sess.ActiveAgent = consulta.AgentClinico
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 3 || got.ActiveAgent != consulta.AgentClinico {
		t.Errorf("session = %+v", got)
	}
}

func TestSaveConflictAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consulta.db")
	ctx := context.Background()

	a := New(path)
	defer a.Close()
	if err := a.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatal(err)
	}

	b := New(path)
	defer b.Close()

	// Both stores observe version 1.
	sessA, err := a.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	sessB, err := b.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Save(ctx, sessB); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	err = a.Save(ctx, sessA)
	if !consulta.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	var conflict *consulta.ErrConflict
	if !errors.As(err, &conflict) || conflict.SessionID != "s1" {
		t.Errorf("conflict = %+v", conflict)
	}

	// Reloading picks up the new version and clears the conflict.
	sessA, err = a.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Save(ctx, sessA); err != nil {
		t.Errorf("save after reload: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "s1"); !consulta.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	// Deleting an unknown id is not an error.
	if err := s.Delete(ctx, "nope"); err != nil {
		t.Errorf("delete unknown: %v", err)
	}
}

func TestListByUserPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess := sampleSession(string(rune('a' + i)))
		sess.Metadata.CreatedAt = int64(100 + i)
		if err := s.Save(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}
	other := sampleSession("other")
	other.UserID = "u2"
	if err := s.Save(ctx, other); err != nil {
		t.Fatal(err)
	}

	page1, next, err := s.ListByUser(ctx, "u1", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || next == "" {
		t.Fatalf("page1 = %d entries, next %q", len(page1), next)
	}
	if page1[0].MessageCount != 2 || page1[0].Title != "Caso de ansiedad" {
		t.Errorf("summary = %+v", page1[0])
	}

	page2, next2, err := s.ListByUser(ctx, "u1", 3, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 || next2 != "" {
		t.Fatalf("page2 = %d entries, next %q", len(page2), next2)
	}
	// No overlap between pages.
	seen := map[string]bool{}
	for _, sm := range append(page1, page2...) {
		if seen[sm.ID] {
			t.Errorf("duplicate id %s across pages", sm.ID)
		}
		seen[sm.ID] = true
	}

	if _, _, err := s.ListByUser(ctx, "u1", 2, "bogus"); err == nil {
		t.Error("bad page token must fail")
	}
}

func TestListByUserDefaultsPageSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatal(err)
	}
	page, next, err := s.ListByUser(ctx, "u1", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || next != "" {
		t.Errorf("page = %d entries, next %q", len(page), next)
	}
}

func TestCountByPatient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := s.Save(ctx, sampleSession(id)); err != nil {
			t.Fatal(err)
		}
	}
	none := sampleSession("s3")
	none.Clinical.PatientID = ""
	if err := s.Save(ctx, none); err != nil {
		t.Fatal(err)
	}

	count, last, err := s.CountByPatient(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if last == 0 {
		t.Error("last updated not recorded")
	}

	count, last, err = s.CountByPatient(ctx, "desconocido")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 || last != 0 {
		t.Errorf("count = %d, last = %d, want zeros", count, last)
	}
}

func TestPatientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &consulta.Patient{
		ID:          "p1",
		DisplayName: "Ana",
		Tags:        []string{"riesgo_activo"},
		Notes:       "seguimiento semanal",
		Attachments: []string{"informe.pdf"},
		Summary:     consulta.PatientSummary{Text: "TCC por ansiedad.", Version: 2, UpdatedAt: 100},
	}
	if err := s.SavePatient(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Patients().Load(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Ana" || got.Notes != "seguimiento semanal" {
		t.Errorf("patient = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "riesgo_activo" {
		t.Errorf("tags = %+v", got.Tags)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "informe.pdf" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.Summary.Text != "TCC por ansiedad." || got.Summary.Version != 2 {
		t.Errorf("summary = %+v", got.Summary)
	}

	// Upsert replaces.
	p.Notes = "alta"
	if err := s.SavePatient(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadPatient(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Notes != "alta" {
		t.Errorf("notes = %q", got.Notes)
	}
}

func TestLoadUnknownPatient(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Patients().Load(context.Background(), "nope")
	if !consulta.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestChangeTracking(t *testing.T) {
	s := newTestStore(t, WithChangeTracking())
	ctx := context.Background()

	if err := s.Save(ctx, sampleSession("s1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_changes WHERE session_id = ?`, "s1",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("change log entries = %d, want 2", n)
	}
}
