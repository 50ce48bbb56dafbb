package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed is returned when ingesting into a terminal session.
	// Never retried by the core.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionNotStarted is returned when ingesting into a pending session.
	ErrSessionNotStarted = errors.New("session has not been started")

	// ErrStorageDeferred is returned when an artifact registration failed
	// transiently and was queued for background retry.
	ErrStorageDeferred = errors.New("artifact registration deferred for retry")
)

// ValidationError reports a malformed or missing field. Never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ConflictError is returned to the loser of a racing status transition.
// Current names the status that is already committed.
type ConflictError struct {
	Current   SessionStatus
	Requested SessionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot transition session from %s to %s", e.Current, e.Requested)
}
