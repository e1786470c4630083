package consulta

import "context"

// SessionStore abstracts durable session persistence.
//
// Contract: Save is atomic per session (no partial history writes) and an
// idempotent upsert keyed by Session.ID. Implementations surface *ErrNotFound
// for unknown ids, *ErrConflict on optimistic-version mismatch, and
// *ErrTransient for retriable failures. Concurrent reads are allowed; writes
// serialize per key at the store layer.
type SessionStore interface {
	// Load returns the session or *ErrNotFound.
	Load(ctx context.Context, sessionID string) (*Session, error)
	// Save upserts the full session record atomically.
	Save(ctx context.Context, s *Session) error
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, sessionID string) error
	// ListByUser returns a page of session summaries ordered by last update
	// descending, plus the token for the next page ("" when exhausted).
	ListByUser(ctx context.Context, userID string, pageSize int, pageToken string) ([]SessionSummary, string, error)
	// CountByPatient returns how many sessions reference the patient and the
	// unix time of the most recently updated one (0 when none).
	CountByPatient(ctx context.Context, patientID string) (int, int64, error)

	// Init creates required schema.
	Init(ctx context.Context) error
	Close() error
}

// PatientStore provides read-only access to patient records. Patients are
// owned and updated by external components.
type PatientStore interface {
	// Load returns the patient or *ErrNotFound.
	Load(ctx context.Context, patientID string) (*Patient, error)
}

// FileSource lists pending clinical file references for a session.
// File lifecycle itself is external; the core only carries opaque ids.
type FileSource interface {
	PendingFiles(ctx context.Context, sessionID string) ([]string, error)
}
