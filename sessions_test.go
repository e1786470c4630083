package consulta

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestManager(store SessionStore) *SessionManager {
	registry := NewAgentRegistry(&stubModel{}, "test-model")
	return NewSessionManager(store, registry)
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"short", "Consulta sobre el caso", "Consulta sobre el caso"},
		{"collapses whitespace", "hola\n\n  mundo\t!", "hola mundo !"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		if got := DeriveTitle(tc.input); got != tc.want {
			t.Errorf("%s: DeriveTitle(%q) = %q, want %q", tc.name, tc.input, got, tc.want)
		}
	}
}

func TestDeriveTitleCutsAtWordBoundary(t *testing.T) {
	input := strings.TrimSpace(strings.Repeat("palabra ", 10)) // 79 runes
	got := DeriveTitle(input)
	want := strings.TrimSpace(strings.Repeat("palabra ", 6)) + "…"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if utf8.RuneCountInString(got) > titleMaxRunes+1 {
		t.Errorf("title too long: %d runes", utf8.RuneCountInString(got))
	}
}

func TestDeriveTitleHardCutWithoutBoundary(t *testing.T) {
	input := strings.Repeat("x", 80)
	got := DeriveTitle(input)
	want := strings.Repeat("x", 50) + "…"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)

	s, err := m.CreateSession(context.Background(), "u1", "", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == "" || s.UserID != "u1" {
		t.Fatalf("session = %+v", s)
	}
	if s.ActiveAgent != AgentSocratico {
		t.Errorf("agent = %q, want socratico", s.ActiveAgent)
	}
	if s.Clinical.Confidentiality != "high" {
		t.Errorf("confidentiality = %q, want high", s.Clinical.Confidentiality)
	}
	if s.Metadata.CreatedAt == 0 || s.Metadata.CreatedAt != s.Metadata.LastUpdated {
		t.Errorf("metadata = %+v", s.Metadata)
	}
	if store.get(s.ID) == nil {
		t.Error("session not persisted")
	}
	if m.Handle(s.ID) == nil {
		t.Error("chat handle not opened")
	}
}

func TestCreateSessionExistingIDPatchesClinical(t *testing.T) {
	store := newMemStore()
	store.put(&Session{ID: "s1", UserID: "u1", ActiveAgent: AgentClinico,
		Clinical: ClinicalContext{Confidentiality: "high"}})
	m := newTestManager(store)

	s, err := m.CreateSession(context.Background(), "u1", "", AgentSocratico, "s1",
		&SessionMeta{PatientID: "p9", SessionType: "tcc"})
	if err != nil {
		t.Fatal(err)
	}
	// The existing session wins over the requested agent.
	if s.ActiveAgent != AgentClinico {
		t.Errorf("agent = %q", s.ActiveAgent)
	}
	if s.Clinical.PatientID != "p9" || s.Clinical.SessionType != "tcc" {
		t.Errorf("clinical = %+v", s.Clinical)
	}
	if saved := store.get("s1"); saved.Clinical.PatientID != "p9" {
		t.Error("patched context not persisted")
	}
}

func TestCreateSessionWithProvidedNewID(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	s, err := m.CreateSession(context.Background(), "u1", "", "", "custom-id", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "custom-id" {
		t.Errorf("id = %q", s.ID)
	}
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	m := newTestManager(newMemStore())
	if _, err := m.CreateSession(context.Background(), "u1", "", "inexistente", "", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteSessionClosesHandle(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	s, err := m.CreateSession(context.Background(), "u1", "", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	handle := m.Handle(s.ID)

	if err := m.DeleteSession(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if store.get(s.ID) != nil {
		t.Error("session still stored")
	}
	if m.Handle(s.ID) != nil {
		t.Error("handle still registered")
	}
	if !handle.Closed() {
		t.Error("handle not closed")
	}
}

func TestListPaginates(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.put(&Session{
			ID:       NewID(),
			UserID:   "u1",
			Metadata: SessionMetadata{LastUpdated: int64(100 + i)},
		})
	}
	store.put(&Session{ID: "other", UserID: "u2", Metadata: SessionMetadata{LastUpdated: 999}})
	m := newTestManager(store)

	page1, next, err := m.List(context.Background(), "u1", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || next == "" {
		t.Fatalf("page1 = %d entries, next %q", len(page1), next)
	}
	// Most recent first.
	if page1[0].LastUpdated != 104 || page1[1].LastUpdated != 103 {
		t.Errorf("order = %+v", page1)
	}

	page2, next2, err := m.List(context.Background(), "u1", 3, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 || next2 != "" {
		t.Fatalf("page2 = %d entries, next %q", len(page2), next2)
	}
}

func TestReplaceHandleClosesPrevious(t *testing.T) {
	m := newTestManager(newMemStore())
	registry := NewAgentRegistry(&stubModel{}, "m1")
	first, _ := registry.NewChat(AgentSocratico, nil, false)
	second, _ := registry.NewChat(AgentClinico, nil, false)

	m.ReplaceHandle("s1", first)
	m.ReplaceHandle("s1", second)
	if !first.Closed() {
		t.Error("previous handle not closed")
	}
	if second.Closed() {
		t.Error("new handle closed")
	}
	if m.Handle("s1") != second {
		t.Error("handle not replaced")
	}
}
