package consulta

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// Title derivation bounds.
const (
	titleMaxRunes = 50
	// titleBoundaryMin is the earliest rune index where a word boundary is
	// preferred over a hard cut (60% of the cap).
	titleBoundaryMin = titleMaxRunes * 6 / 10
)

// SessionManager owns session lifecycle: creation, per-session locking,
// chat handle tracking, and deletion. Safe for concurrent use.
type SessionManager struct {
	store    SessionStore
	registry *AgentRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*ChatHandle
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// ManagerLogger sets the structured logger.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *SessionManager) { m.logger = l }
}

// NewSessionManager creates a manager over store and registry.
func NewSessionManager(store SessionStore, registry *AgentRegistry, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		store:    store,
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
		handles:  make(map[string]*ChatHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Lock acquires the per-session mutex and returns its unlock function.
// The lock is held for a full turn, including the streaming tail.
func (m *SessionManager) Lock(sessionID string) func() {
	m.mu.Lock()
	lk, ok := m.locks[sessionID]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[sessionID] = lk
	}
	m.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// CreateSession returns the existing session when sessionID is provided and
// known (patching patient context from meta), or creates a new one. A
// generated id that collides is regenerated once; a second collision
// surfaces as *ErrConflict.
func (m *SessionManager) CreateSession(ctx context.Context, userID, mode, agent, sessionID string, meta *SessionMeta) (*Session, error) {
	if agent == "" {
		agent = AgentSocratico
	}
	if _, ok := m.registry.Profile(agent); !ok {
		return nil, &ErrNotFound{Kind: "agent", ID: agent}
	}

	if sessionID != "" {
		existing, err := m.store.Load(ctx, sessionID)
		if err == nil {
			if patchClinical(existing, meta) {
				if err := m.store.Save(ctx, existing); err != nil {
					return nil, err
				}
			}
			return existing, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	} else {
		sessionID = NewID()
		if _, err := m.store.Load(ctx, sessionID); err == nil {
			m.logger.Warn("generated session id collided, regenerating", "id", sessionID)
			sessionID = NewID()
			if _, err := m.store.Load(ctx, sessionID); err == nil {
				return nil, &ErrConflict{SessionID: sessionID, Detail: "duplicate generated id"}
			}
		}
	}

	now := NowUnix()
	s := &Session{
		ID:          sessionID,
		UserID:      userID,
		Mode:        mode,
		ActiveAgent: agent,
		Metadata:    SessionMetadata{CreatedAt: now, LastUpdated: now},
		Clinical:    ClinicalContext{Confidentiality: "high"},
	}
	patchClinical(s, meta)
	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}

	handle, err := m.registry.NewChat(agent, nil, false)
	if err != nil {
		return nil, err
	}
	m.setHandle(sessionID, handle)

	m.logger.Info("session created",
		"session", sessionID, "user", userID, "agent", agent)
	return s, nil
}

// List returns a page of the user's session summaries, most recent first.
func (m *SessionManager) List(ctx context.Context, userID string, pageSize int, pageToken string) ([]SessionSummary, string, error) {
	return m.store.ListByUser(ctx, userID, pageSize, pageToken)
}

// DeleteSession closes the session's chat handle and removes the record.
func (m *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := m.Lock(sessionID)
	defer unlock()

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	if h, ok := m.handles[sessionID]; ok {
		h.Close()
		delete(m.handles, sessionID)
	}
	delete(m.locks, sessionID)
	m.mu.Unlock()
	return nil
}

// Handle returns the live chat handle for the session, or nil.
func (m *SessionManager) Handle(sessionID string) *ChatHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[sessionID]
}

// ReplaceHandle closes the current handle (if any) and installs next,
// keeping at most one live handle per session.
func (m *SessionManager) ReplaceHandle(sessionID string, next *ChatHandle) {
	m.setHandle(sessionID, next)
}

func (m *SessionManager) setHandle(sessionID string, next *ChatHandle) {
	m.mu.Lock()
	if prev, ok := m.handles[sessionID]; ok && prev != next {
		prev.Close()
	}
	m.handles[sessionID] = next
	m.mu.Unlock()
}

// patchClinical overlays non-empty patient context fields, reporting whether
// anything changed.
func patchClinical(s *Session, meta *SessionMeta) bool {
	if meta == nil {
		return false
	}
	changed := false
	if meta.PatientID != "" && meta.PatientID != s.Clinical.PatientID {
		s.Clinical.PatientID = meta.PatientID
		changed = true
	}
	if meta.SessionType != "" && meta.SessionType != s.Clinical.SessionType {
		s.Clinical.SessionType = meta.SessionType
		changed = true
	}
	if meta.Confidentiality != "" && meta.Confidentiality != s.Clinical.Confidentiality {
		s.Clinical.Confidentiality = meta.Confidentiality
		changed = true
	}
	return changed
}

// DeriveTitle builds a session title from the first user message: collapse
// whitespace, cap at 50 runes, prefer a word boundary past 60% of the cap,
// else cut hard and append an ellipsis.
func DeriveTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) <= titleMaxRunes {
		return collapsed
	}
	runes := []rune(collapsed)
	cut := titleMaxRunes
	for i := titleMaxRunes - 1; i >= titleBoundaryMin; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
