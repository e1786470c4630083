package consulta

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// stubModel is a test ModelClient that returns pre-configured results in
// order. Generate and StreamGenerate share the same result queue. Requests
// are captured for assertion.
type stubModel struct {
	mu       sync.Mutex
	calls    int
	results  []stubResult
	requests []GenerateRequest
}

type stubResult struct {
	resp   GenerateResponse
	tokens []string // deltas written to ch in StreamGenerate
	err    error
}

func (s *stubModel) Name() string { return "stub" }

func (s *stubModel) next(req GenerateRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{resp: GenerateResponse{Content: "exhausted"}}
}

func (s *stubModel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubModel) lastRequest() GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return GenerateRequest{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *stubModel) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubModel) StreamGenerate(_ context.Context, req GenerateRequest, ch chan<- Chunk) (GenerateResponse, error) {
	defer close(ch)
	r := s.next(req)
	for _, tok := range r.tokens {
		ch <- Chunk{Type: ChunkTextDelta, Text: tok}
	}
	for _, u := range r.resp.GroundingURLs {
		ch <- Chunk{Type: ChunkGroundingRef, URL: u}
	}
	if r.err != nil {
		return r.resp, r.err
	}
	ch <- Chunk{Type: ChunkEnd, Usage: &r.resp.Usage}
	return r.resp, nil
}

// classifyResponse builds the function-call response the intent classifier
// expects.
func classifyResponse(agent string, confidence float64) GenerateResponse {
	args, _ := json.Marshal(map[string]any{"agent": agent, "confidence": confidence})
	return GenerateResponse{
		FunctionCalls: []FunctionCall{{Name: "clasificar_intencion", Args: args}},
	}
}

// orchestrateResponse builds the function-call response the orchestrator
// expects.
func orchestrateResponse(agent string, confidence float64, tools ...string) GenerateResponse {
	args, _ := json.Marshal(map[string]any{
		"agent":      agent,
		"confidence": confidence,
		"tools":      tools,
	})
	return GenerateResponse{
		FunctionCalls: []FunctionCall{{Name: "orquestar", Args: args}},
	}
}

// recordingSink captures the TurnStats handed to the metrics sink.
type recordingSink struct {
	mu    sync.Mutex
	turns []TurnStats
}

func (r *recordingSink) RecordTurn(_ context.Context, stats TurnStats) {
	r.mu.Lock()
	r.turns = append(r.turns, stats)
	r.mu.Unlock()
}

func (r *recordingSink) recorded() []TurnStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnStats(nil), r.turns...)
}

// memStore is an in-memory SessionStore. Sessions are deep-copied on both
// Load and Save so tests never share mutable state with the store.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	saveErrs []error // popped per Save, nil entries succeed
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func cloneSession(s *Session) *Session {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *memStore) Load(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{Kind: "session", ID: sessionID}
	}
	return cloneSession(s), nil
}

func (m *memStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *memStore) ListByUser(_ context.Context, userID string, pageSize int, pageToken string) ([]SessionSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []SessionSummary
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		all = append(all, SessionSummary{
			ID:           s.ID,
			UserID:       s.UserID,
			Title:        s.Title,
			ActiveAgent:  s.ActiveAgent,
			LastUpdated:  s.Metadata.LastUpdated,
			MessageCount: len(s.History),
		})
	}
	sort.Slice(all, func(a, b int) bool { return all[a].LastUpdated > all[b].LastUpdated })

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}
	if offset >= len(all) {
		return nil, "", nil
	}
	end := offset + pageSize
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return all[offset:end], next, nil
}

func (m *memStore) CountByPatient(_ context.Context, patientID string) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	var last int64
	for _, s := range m.sessions {
		if s.Clinical.PatientID != patientID {
			continue
		}
		count++
		if s.Metadata.LastUpdated > last {
			last = s.Metadata.LastUpdated
		}
	}
	return count, last, nil
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return cloneSession(s)
}

func (m *memStore) put(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = cloneSession(s)
	m.mu.Unlock()
}

// memPatients is an in-memory PatientStore.
type memPatients struct {
	mu       sync.Mutex
	patients map[string]*Patient
}

func newMemPatients(patients ...*Patient) *memPatients {
	m := &memPatients{patients: make(map[string]*Patient)}
	for _, p := range patients {
		m.patients[p.ID] = p
	}
	return m
}

func (m *memPatients) Load(_ context.Context, patientID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, &ErrNotFound{Kind: "patient", ID: patientID}
	}
	cp := *p
	return &cp, nil
}

var _ SessionStore = (*memStore)(nil)
var _ PatientStore = (*memPatients)(nil)
var _ ModelClient = (*stubModel)(nil)
var _ MetricsSink = (*recordingSink)(nil)
