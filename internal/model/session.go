// Package model defines the core domain types for Hibiki.
//
// Types correspond directly to database tables and to the items streamed to
// viewers. Agent payloads stay opaque (json.RawMessage) because the core must
// not care which tools the agent runtime adds over time.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusErrored   SessionStatus = "errored"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning,
		SessionStatusCompleted, SessionStatusErrored, SessionStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions or ingestion are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusErrored || s == SessionStatusCancelled
}

// allowedFrom lists, for each target status, the statuses it may be entered from.
// Same-status requests are handled separately as idempotent no-ops.
var allowedFrom = map[SessionStatus][]SessionStatus{
	SessionStatusRunning:   {SessionStatusPending},
	SessionStatusCompleted: {SessionStatusRunning},
	SessionStatusErrored:   {SessionStatusPending, SessionStatusRunning},
	SessionStatusCancelled: {SessionStatusPending, SessionStatusRunning},
}

// TransitionSources returns the statuses from which to may be entered,
// excluding to itself.
func TransitionSources(to SessionStatus) []SessionStatus {
	return allowedFrom[to]
}

// CanTransition reports whether a session in status from may move to status to.
// A same-status request is an idempotent no-op and always allowed; it never
// changes a terminal session.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Session is one end-to-end interaction with the external agent runtime.
type Session struct {
	ID             uuid.UUID       `json:"id"`
	Owner          string          `json:"owner"`
	Tier           string          `json:"tier"`
	Status         SessionStatus   `json:"status"`
	Preferences    json.RawMessage `json:"preferences,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	LastSequence   int64           `json:"last_sequence"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	CreatedAt      time.Time       `json:"created_at"`
}
