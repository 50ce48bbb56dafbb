package hibiki

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
	StatusCancelled = "cancelled"
)

// Event phases.
const (
	PhaseThinking       = "thinking"
	PhaseToolInvocation = "tool_invocation"
	PhaseResult         = "result"
	PhaseCompleted      = "completed"
)

// Item kinds.
const (
	KindMessage  = "message"
	KindEvent    = "event"
	KindArtifact = "artifact"
	KindTerminal = "terminal"
)

// Session is a conversation between a viewer and an agent run.
type Session struct {
	ID             uuid.UUID       `json:"id"`
	Owner          string          `json:"owner"`
	Tier           string          `json:"tier,omitempty"`
	Status         string          `json:"status"`
	Preferences    json.RawMessage `json:"preferences,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	LastSequence   int64           `json:"last_sequence"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateSessionRequest is the body of CreateSession.
type CreateSessionRequest struct {
	Owner       string          `json:"owner"`
	Tier        string          `json:"tier,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// EventRequest is a progress event pushed by the agent runtime.
// AgentEventID makes the push idempotent: a retried push with the same id
// is absorbed and reported as a duplicate.
type EventRequest struct {
	AgentEventID string          `json:"agent_event_id"`
	Phase        string          `json:"phase"`
	Tool         string          `json:"tool,omitempty"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ArtifactRequest registers externally stored content against an event.
type ArtifactRequest struct {
	EventID      *uuid.UUID `json:"event_id,omitempty"`
	AgentEventID string     `json:"agent_event_id,omitempty"`
	StorageRef   string     `json:"storage_ref"`
	ContentType  string     `json:"content_type"`
	Caption      string     `json:"caption,omitempty"`
}

// IngestResult is returned by every accepted push.
type IngestResult struct {
	ID        uuid.UUID `json:"id"`
	Sequence  int64     `json:"sequence"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// Message is a conversational turn.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a progress update from the agent runtime.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	AgentEventID string          `json:"agent_event_id"`
	Phase        string          `json:"phase"`
	Tool         string          `json:"tool,omitempty"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Sequence     int64           `json:"sequence"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Artifact is a registered reference to external content.
type Artifact struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	EventID     uuid.UUID `json:"event_id"`
	StorageRef  string    `json:"storage_ref"`
	ContentType string    `json:"content_type"`
	Caption     string    `json:"caption,omitempty"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item is one transcript entry, or the terminal marker that ends a stream.
type Item struct {
	Kind      string    `json:"kind"`
	SessionID uuid.UUID `json:"session_id"`
	Sequence  int64     `json:"sequence,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Event     *Event    `json:"event,omitempty"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// TranscriptPage is a page of a session's transcript.
type TranscriptPage struct {
	Items     []Item `json:"items"`
	HasMore   bool   `json:"has_more"`
	NextAfter int64  `json:"next_after"`
}
