// Package storage persists sessions and their transcripts.
//
// The Store interface is implemented by the PostgreSQL backend in this
// package (pgxpool for queries, a dedicated connection for LISTEN/NOTIFY)
// and by the embedded SQLite backend in the sqlite subpackage. Both share the
// same guarantees, checked by the storetest conformance suite:
//
//   - sequences are allocated from sessions.last_sequence under a row lock, so
//     every transcript item of a session gets a distinct, gap-free sequence;
//   - appends fail with model.ErrSessionClosed once the session is terminal,
//     atomically with the transition;
//   - (session, agent_event_id) is unique and a duplicate append returns the
//     stored event without consuming a sequence.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// Store is the Session Store plus Transcript Store.
type Store interface {
	CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	// StartSession snapshots preferences if none were recorded at creation
	// and moves the session to running.
	StartSession(ctx context.Context, id uuid.UUID, preferences json.RawMessage) (model.Session, error)
	// TransitionSession applies the session state machine. Same-status
	// requests are idempotent; the loser of a race for a different target
	// gets a *model.ConflictError naming the committed status.
	TransitionSession(ctx context.Context, id uuid.UUID, to model.SessionStatus) (model.Session, error)
	ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]model.Session, error)
	// ExpireIdleSession moves a pending or running session to errored only
	// if it has had no activity since inactiveSince. expired is false when
	// the session saw activity, ended, or was deleted after being listed.
	ExpireIdleSession(ctx context.Context, id uuid.UUID, inactiveSince time.Time) (s model.Session, expired bool, err error)
	PurgeSessions(ctx context.Context, completedBefore time.Time) (int64, error)

	// AppendEvent persists an event. duplicate is true when an event with
	// the same agent_event_id already existed; the stored event is returned.
	AppendEvent(ctx context.Context, in model.EventInput) (ev model.Event, duplicate bool, err error)
	AppendMessage(ctx context.Context, in model.MessageInput) (model.Message, error)
	AppendArtifact(ctx context.Context, in model.ArtifactInput) (model.Artifact, error)
	RecordLateArrival(ctx context.Context, la model.LateArrival) error
	LateArrivals(ctx context.Context, sessionID uuid.UUID) ([]model.LateArrival, error)
	// ItemsAfter returns up to limit transcript items with sequence > after,
	// ordered by sequence.
	ItemsAfter(ctx context.Context, sessionID uuid.UUID, after int64, limit int) ([]model.Item, error)
	// ResolveEvent finds an event by internal id, or by agent_event_id when
	// id is uuid.Nil.
	ResolveEvent(ctx context.Context, sessionID, id uuid.UUID, agentEventID string) (model.Event, error)

	Ping(ctx context.Context) error
}

// ClosedError maps the status of a session that refused an append to the
// error reported to the caller.
func ClosedError(status model.SessionStatus) error {
	if status == model.SessionStatusPending {
		return model.ErrSessionNotStarted
	}
	return model.ErrSessionClosed
}

// EmptyJSON returns nil for an empty or JSON-null document so that it is
// stored as SQL NULL.
func EmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
