// Package postgres implements consulta.SessionStore and
// consulta.PatientStore using PostgreSQL with JSONB session documents.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aliviolabs/consulta"
)

// Store implements consulta.SessionStore backed by PostgreSQL. Saves run in
// a transaction that locks the session row FOR UPDATE, so concurrent writers
// to the same session serialize instead of losing updates.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	trackChanges bool
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithChangeTracking enables the append-only session change log.
func WithChangeTracking() Option {
	return func(s *Store) { s.trackChanges = true }
}

var _ consulta.SessionStore = (*Store)(nil)
var _ consulta.PatientStore = (*Patients)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			active_agent TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			patient_id TEXT,
			history JSONB NOT NULL,
			metadata JSONB NOT NULL,
			clinical JSONB NOT NULL,
			risk JSONB,
			dirty BOOLEAN NOT NULL DEFAULT FALSE,
			message_count INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS sessions_patient_idx ON sessions(patient_id)`,

		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			tags JSONB,
			notes TEXT NOT NULL DEFAULT '',
			attachments JSONB,
			summary JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS session_changes (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			change TEXT NOT NULL,
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_changes_session_idx ON session_changes(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed")
	return nil
}

// Load returns the session or *consulta.ErrNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (*consulta.Session, error) {
	var (
		sess                         consulta.Session
		historyRaw, metaRaw, clinRaw []byte
		riskRaw                      []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, mode, active_agent, title, history, metadata, clinical, risk, dirty
		 FROM sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.UserID, &sess.Mode, &sess.ActiveAgent, &sess.Title,
		&historyRaw, &metaRaw, &clinRaw, &riskRaw, &sess.Dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &consulta.ErrNotFound{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal(historyRaw, &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(clinRaw, &sess.Clinical); err != nil {
		return nil, fmt.Errorf("decode clinical: %w", err)
	}
	if len(riskRaw) > 0 {
		sess.Risk = &consulta.RiskState{}
		if err := json.Unmarshal(riskRaw, sess.Risk); err != nil {
			return nil, fmt.Errorf("decode risk state: %w", err)
		}
	}
	return &sess, nil
}

// Save upserts the full session record atomically. The update path locks
// the row FOR UPDATE, bumps the version, and the whole write commits or
// rolls back as one unit.
func (s *Store) Save(ctx context.Context, sess *consulta.Session) error {
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
	var riskRaw []byte
	if sess.Risk != nil {
		riskRaw, _ = json.Marshal(sess.Risk)
	}
	var patientID *string
	if sess.Clinical.PatientID != "" {
		patientID = &sess.Clinical.PatientID
	}
	now := time.Now().Unix()
	createdAt := sess.Metadata.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize writers to the same session.
	var existing string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sess.ID).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO sessions (id, user_id, mode, active_agent, title, patient_id,
				history, metadata, clinical, risk, dirty, message_count, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)`,
			sess.ID, sess.UserID, sess.Mode, sess.ActiveAgent, sess.Title, patientID,
			historyRaw, metaRaw, clinRaw, riskRaw, sess.Dirty, len(sess.History), createdAt, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lock session: %w", err)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET user_id=$2, mode=$3, active_agent=$4, title=$5, patient_id=$6,
				history=$7, metadata=$8, clinical=$9, risk=$10, dirty=$11, message_count=$12,
				version=version+1, updated_at=$13
			 WHERE id=$1`,
			sess.ID, sess.UserID, sess.Mode, sess.ActiveAgent, sess.Title, patientID,
			historyRaw, metaRaw, clinRaw, riskRaw, sess.Dirty, len(sess.History), now)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	if s.trackChanges {
		_, _ = tx.Exec(ctx,
			`INSERT INTO session_changes (session_id, change, at) VALUES ($1, $2, $3)`,
			sess.ID, fmt.Sprintf("save messages=%d agent=%s", len(sess.History), sess.ActiveAgent), now)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	s.logger.Debug("postgres: save session ok", "id", sess.ID, "messages", len(sess.History))
	return nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.trackChanges {
		_, _ = s.pool.Exec(ctx,
			`INSERT INTO session_changes (session_id, change, at) VALUES ($1, 'delete', $2)`,
			sessionID, time.Now().Unix())
	}
	return nil
}

// ListByUser returns a page of session summaries ordered by last update
// descending. The page token is an opaque offset.
func (s *Store) ListByUser(ctx context.Context, userID string, pageSize int, pageToken string) ([]consulta.SessionSummary, string, error) {
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

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, active_agent, updated_at, message_count
		 FROM sessions WHERE user_id = $1
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, pageSize+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []consulta.SessionSummary
	for rows.Next() {
		var sm consulta.SessionSummary
		if err := rows.Scan(&sm.ID, &sm.UserID, &sm.Title, &sm.ActiveAgent, &sm.LastUpdated, &sm.MessageCount); err != nil {
			return nil, "", fmt.Errorf("scan session summary: %w", err)
		}
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
	return summaries, next, nil
}

// CountByPatient returns how many sessions reference the patient and the
// unix time of the most recently updated one.
func (s *Store) CountByPatient(ctx context.Context, patientID string) (int, int64, error) {
	var count int
	var last *int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM sessions WHERE patient_id = $1`, patientID,
	).Scan(&count, &last)
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	if last == nil {
		return count, 0, nil
	}
	return count, *last, nil
}

// LoadPatient returns the patient or *consulta.ErrNotFound.
func (s *Store) LoadPatient(ctx context.Context, patientID string) (*consulta.Patient, error) {
	var p consulta.Patient
	var tags, attachments, summary []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, tags, notes, attachments, summary FROM patients WHERE id = $1`, patientID,
	).Scan(&p.ID, &p.DisplayName, &tags, &p.Notes, &attachments, &summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &consulta.ErrNotFound{Kind: "patient", ID: patientID}
	}
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &p.Tags)
	}
	if len(attachments) > 0 {
		_ = json.Unmarshal(attachments, &p.Attachments)
	}
	if len(summary) > 0 {
		_ = json.Unmarshal(summary, &p.Summary)
	}
	return &p, nil
}

// SavePatient upserts a patient record.
func (s *Store) SavePatient(ctx context.Context, p *consulta.Patient) error {
	tagsRaw, _ := json.Marshal(p.Tags)
	attachRaw, _ := json.Marshal(p.Attachments)
	summaryRaw, _ := json.Marshal(p.Summary)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO patients (id, display_name, tags, notes, attachments, summary)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			display_name=EXCLUDED.display_name, tags=EXCLUDED.tags, notes=EXCLUDED.notes,
			attachments=EXCLUDED.attachments, summary=EXCLUDED.summary`,
		p.ID, p.DisplayName, tagsRaw, p.Notes, attachRaw, summaryRaw)
	if err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

// Patients is the consulta.PatientStore view of the store.
type Patients struct {
	s *Store
}

// Patients returns the patient-store view.
func (s *Store) Patients() *Patients { return &Patients{s: s} }

// Load returns the patient or *consulta.ErrNotFound.
func (p *Patients) Load(ctx context.Context, patientID string) (*consulta.Patient, error) {
	return p.s.LoadPatient(ctx, patientID)
}

// Close releases nothing; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
