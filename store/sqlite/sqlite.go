// Package sqlite implements consulta.SessionStore and consulta.PatientStore
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aliviolabs/consulta"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithChangeTracking enables the append-only session change log.
func WithChangeTracking() StoreOption {
	return func(s *Store) { s.trackChanges = true }
}

// Store implements consulta.SessionStore and consulta.PatientStore backed by
// a local SQLite file. Session history and clinical state are stored as JSON
// text; saves are optimistic-version checked.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	trackChanges bool

	// versions tracks the record version observed at Load, per session,
	// for optimistic conflict detection on Save.
	mu       sync.Mutex
	versions map[string]int64
}

var _ consulta.SessionStore = (*Store)(nil)
var _ consulta.PatientStore = (*Patients)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, versions: make(map[string]int64)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT,
			active_agent TEXT NOT NULL,
			title TEXT,
			patient_id TEXT,
			history TEXT NOT NULL,
			metadata TEXT NOT NULL,
			clinical TEXT NOT NULL,
			risk TEXT,
			dirty INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			tags TEXT,
			notes TEXT,
			attachments TEXT,
			summary TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS session_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			change TEXT NOT NULL,
			at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_changes_session ON session_changes(session_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Load returns the session or *consulta.ErrNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (*consulta.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load session", "id", sessionID)

	var (
		sess                            consulta.Session
		mode, title, patientID, riskRaw sql.NullString
		historyRaw, metaRaw, clinRaw    string
		dirty                           int
		version                         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, mode, active_agent, title, patient_id, history, metadata, clinical, risk, dirty, version
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.UserID, &mode, &sess.ActiveAgent, &title, &patientID,
		&historyRaw, &metaRaw, &clinRaw, &riskRaw, &dirty, &version)
	if err == sql.ErrNoRows {
		return nil, &consulta.ErrNotFound{Kind: "session", ID: sessionID}
	}
	if err != nil {
		s.logger.Error("sqlite: load session failed", "id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.Mode = mode.String
	sess.Title = title.String
	sess.Dirty = dirty != 0
	if err := json.Unmarshal([]byte(historyRaw), &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal([]byte(metaRaw), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(clinRaw), &sess.Clinical); err != nil {
		return nil, fmt.Errorf("decode clinical: %w", err)
	}
	if riskRaw.Valid && riskRaw.String != "" {
		sess.Risk = &consulta.RiskState{}
		if err := json.Unmarshal([]byte(riskRaw.String), sess.Risk); err != nil {
			return nil, fmt.Errorf("decode risk state: %w", err)
		}
	}

	s.mu.Lock()
	s.versions[sessionID] = version
	s.mu.Unlock()

	s.logger.Debug("sqlite: load session ok", "id", sessionID, "messages", len(sess.History), "duration", time.Since(start))
	return &sess, nil
}

// Save upserts the full session record. An update whose observed version no
// longer matches the stored one surfaces *consulta.ErrConflict.
func (s *Store) Save(ctx context.Context, sess *consulta.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: save session", "id", sess.ID, "messages", len(sess.History))

	historyRaw, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	metaRaw, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	clinRaw, err := json.Marshal(sess.Clinical)
	if err != nil {
		return fmt.Errorf("encode clinical: %w", err)
	}
	var riskRaw *string
	if sess.Risk != nil {
		data, _ := json.Marshal(sess.Risk)
		v := string(data)
		riskRaw = &v
	}
	var patientID *string
	if sess.Clinical.PatientID != "" {
		patientID = &sess.Clinical.PatientID
	}
	now := time.Now().Unix()

	s.mu.Lock()
	observed, tracked := s.versions[sess.ID]
	s.mu.Unlock()

	if tracked {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET user_id=?, mode=?, active_agent=?, title=?, patient_id=?,
				history=?, metadata=?, clinical=?, risk=?, dirty=?, message_count=?,
				version=version+1, updated_at=?
			 WHERE id=? AND version=?`,
			sess.UserID, sess.Mode, sess.ActiveAgent, sess.Title, patientID,
			string(historyRaw), string(metaRaw), string(clinRaw), riskRaw,
			boolToInt(sess.Dirty), len(sess.History), now, sess.ID, observed)
		if err != nil {
			s.logger.Error("sqlite: save session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
			return fmt.Errorf("save session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &consulta.ErrConflict{SessionID: sess.ID, Detail: "version mismatch"}
		}
		s.mu.Lock()
		s.versions[sess.ID] = observed + 1
		s.mu.Unlock()
	} else {
		createdAt := sess.Metadata.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, mode, active_agent, title, patient_id,
				history, metadata, clinical, risk, dirty, message_count, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				user_id=excluded.user_id, mode=excluded.mode, active_agent=excluded.active_agent,
				title=excluded.title, patient_id=excluded.patient_id, history=excluded.history,
				metadata=excluded.metadata, clinical=excluded.clinical, risk=excluded.risk,
				dirty=excluded.dirty, message_count=excluded.message_count,
				version=sessions.version+1, updated_at=excluded.updated_at`,
			sess.ID, sess.UserID, sess.Mode, sess.ActiveAgent, sess.Title, patientID,
			string(historyRaw), string(metaRaw), string(clinRaw), riskRaw,
			boolToInt(sess.Dirty), len(sess.History), createdAt, now)
		if err != nil {
			s.logger.Error("sqlite: save session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
			return fmt.Errorf("save session: %w", err)
		}
	}

	if s.trackChanges {
		_, _ = s.db.ExecContext(ctx,
			`INSERT INTO session_changes (session_id, change, at) VALUES (?, ?, ?)`,
			sess.ID, fmt.Sprintf("save messages=%d agent=%s", len(sess.History), sess.ActiveAgent), now)
	}

	s.logger.Debug("sqlite: save session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete session", "id", sessionID)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		s.logger.Error("sqlite: delete session failed", "id", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete session: %w", err)
	}
	if s.trackChanges {
		_, _ = s.db.ExecContext(ctx,
			`INSERT INTO session_changes (session_id, change, at) VALUES (?, 'delete', ?)`,
			sessionID, time.Now().Unix())
	}
	s.mu.Lock()
	delete(s.versions, sessionID)
	s.mu.Unlock()

	s.logger.Debug("sqlite: delete session ok", "id", sessionID, "duration", time.Since(start))
	return nil
}

// ListByUser returns a page of session summaries ordered by last update
// descending. The page token is an opaque offset.
func (s *Store) ListByUser(ctx context.Context, userID string, pageSize int, pageToken string) ([]consulta.SessionSummary, string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "user", userID, "page_size", pageSize, "token", pageToken)

	if pageSize <= 0 {
		pageSize = 20
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, active_agent, updated_at, message_count
		 FROM sessions WHERE user_id = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, pageSize+1, offset)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "user", userID, "error", err, "duration", time.Since(start))
		return nil, "", fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []consulta.SessionSummary
	for rows.Next() {
		var sm consulta.SessionSummary
		var title sql.NullString
		if err := rows.Scan(&sm.ID, &sm.UserID, &title, &sm.ActiveAgent, &sm.LastUpdated, &sm.MessageCount); err != nil {
			return nil, "", fmt.Errorf("scan session summary: %w", err)
		}
		sm.Title = title.String
		summaries = append(summaries, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate sessions: %w", err)
	}

	next := ""
	if len(summaries) > pageSize {
		summaries = summaries[:pageSize]
		next = strconv.Itoa(offset + pageSize)
	}
	s.logger.Debug("sqlite: list sessions ok", "user", userID, "count", len(summaries), "duration", time.Since(start))
	return summaries, next, nil
}

// CountByPatient returns how many sessions reference the patient and the
// unix time of the most recently updated one.
func (s *Store) CountByPatient(ctx context.Context, patientID string) (int, int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: count sessions by patient", "patient", patientID)

	var count int
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM sessions WHERE patient_id = ?`, patientID,
	).Scan(&count, &last)
	if err != nil {
		s.logger.Error("sqlite: count sessions failed", "patient", patientID, "error", err, "duration", time.Since(start))
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	s.logger.Debug("sqlite: count sessions ok", "patient", patientID, "count", count, "duration", time.Since(start))
	return count, last.Int64, nil
}

// LoadPatient returns the patient or *consulta.ErrNotFound.
// Exposed on the same store since both record types share the database file.
func (s *Store) LoadPatient(ctx context.Context, patientID string) (*consulta.Patient, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load patient", "id", patientID)

	var p consulta.Patient
	var tags, notes, attachments, summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, tags, notes, attachments, summary FROM patients WHERE id = ?`, patientID,
	).Scan(&p.ID, &p.DisplayName, &tags, &notes, &attachments, &summary)
	if err == sql.ErrNoRows {
		return nil, &consulta.ErrNotFound{Kind: "patient", ID: patientID}
	}
	if err != nil {
		s.logger.Error("sqlite: load patient failed", "id", patientID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &p.Tags)
	}
	p.Notes = notes.String
	if attachments.Valid {
		_ = json.Unmarshal([]byte(attachments.String), &p.Attachments)
	}
	if summary.Valid {
		_ = json.Unmarshal([]byte(summary.String), &p.Summary)
	}
	s.logger.Debug("sqlite: load patient ok", "id", patientID, "duration", time.Since(start))
	return &p, nil
}

// SavePatient upserts a patient record.
func (s *Store) SavePatient(ctx context.Context, p *consulta.Patient) error {
	start := time.Now()
	s.logger.Debug("sqlite: save patient", "id", p.ID)

	tagsRaw, _ := json.Marshal(p.Tags)
	attachRaw, _ := json.Marshal(p.Attachments)
	summaryRaw, _ := json.Marshal(p.Summary)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO patients (id, display_name, tags, notes, attachments, summary)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, string(tagsRaw), p.Notes, string(attachRaw), string(summaryRaw))
	if err != nil {
		s.logger.Error("sqlite: save patient failed", "id", p.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save patient: %w", err)
	}
	s.logger.Debug("sqlite: save patient ok", "id", p.ID, "duration", time.Since(start))
	return nil
}

// Patients is the consulta.PatientStore view of the store. Sessions and
// patients share the database file but have distinct Load signatures.
type Patients struct {
	s *Store
}

// Patients returns the patient-store view.
func (s *Store) Patients() *Patients { return &Patients{s: s} }

// Load returns the patient or *consulta.ErrNotFound.
func (p *Patients) Load(ctx context.Context, patientID string) (*consulta.Patient, error) {
	return p.s.LoadPatient(ctx, patientID)
}

// DB returns the underlying *sql.DB for schema extensions and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
