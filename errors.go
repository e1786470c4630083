package consulta

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports an unknown session or patient.
type ErrNotFound struct {
	Kind string // "session" or "patient"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ErrConflict reports a duplicate session id or a version mismatch on save.
type ErrConflict struct {
	SessionID string
	Detail    string
}

func (e *ErrConflict) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("session %q: conflict: %s", e.SessionID, e.Detail)
	}
	return fmt.Sprintf("session %q: conflict", e.SessionID)
}

// ErrTooLarge reports input that could not be compressed under the target
// token budget, even after one tightened recompression.
type ErrTooLarge struct {
	Estimated int
	Target    int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("input too large: ~%d tokens, target %d", e.Estimated, e.Target)
}

// ErrBlocked reports a safety-filter rejection. No assistant message is
// appended when input or output is blocked.
type ErrBlocked struct {
	Stage  string // "input" or "output"
	Reason string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("policy blocked (%s): %s", e.Stage, e.Reason)
}

// ErrHTTP carries a provider HTTP failure. Status 429 and 503 are treated
// as transient; RetryAfter is parsed from the Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrModel carries a non-HTTP provider failure.
type ErrModel struct {
	Provider string
	Message  string
}

func (e *ErrModel) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrTransient marks a retriable non-HTTP failure (store hiccups and the like).
type ErrTransient struct {
	Message string
}

func (e *ErrTransient) Error() string {
	return "transient: " + e.Message
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

// IsRetriable reports whether err is worth retrying: a rate-limit or
// service-unavailable HTTP error, or an explicitly transient failure.
func IsRetriable(err error) bool {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.Status == 429 || h.Status == 503
	}
	var t *ErrTransient
	return errors.As(err, &t)
}

// IsRateLimited reports whether err is an HTTP 429.
func IsRateLimited(err error) bool {
	var h *ErrHTTP
	return errors.As(err, &h) && h.Status == 429
}

// IsCancelled reports whether err stems from caller cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
