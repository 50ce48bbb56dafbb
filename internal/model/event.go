package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Phase is the activity stage an agent event reports.
type Phase string

const (
	PhaseThinking       Phase = "thinking"
	PhaseToolInvocation Phase = "tool_invocation"
	PhaseResult         Phase = "result"
	PhaseCompleted      Phase = "completed"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseThinking, PhaseToolInvocation, PhaseResult, PhaseCompleted:
		return true
	}
	return false
}

// Message is a conversational turn in a session transcript.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a discrete activity record emitted by the agent runtime.
// Append-only; (SessionID, AgentEventID) is unique.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	AgentEventID string          `json:"agent_event_id"`
	Phase        Phase           `json:"phase"`
	Tool         string          `json:"tool,omitempty"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ContentHash  string          `json:"-"`
	Sequence     int64           `json:"sequence"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Artifact references externally stored binary content produced by an event.
// Immutable once created.
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

// ItemKind tags the variant carried by an Item.
type ItemKind string

const (
	ItemMessage  ItemKind = "message"
	ItemEvent    ItemKind = "event"
	ItemArtifact ItemKind = "artifact"
	ItemTerminal ItemKind = "terminal"
)

// Item is one entry of a session's transcript stream. Exactly one of
// Message, Event or Artifact is set, except for terminal items which carry
// only the final Status and no sequence.
type Item struct {
	Kind      ItemKind      `json:"kind"`
	SessionID uuid.UUID     `json:"session_id"`
	Sequence  int64         `json:"sequence,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Event     *Event        `json:"event,omitempty"`
	Artifact  *Artifact     `json:"artifact,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
}

// MessageItem wraps a message as a transcript item.
func MessageItem(m Message) Item {
	return Item{Kind: ItemMessage, SessionID: m.SessionID, Sequence: m.Sequence, Message: &m}
}

// EventItem wraps an event as a transcript item.
func EventItem(e Event) Item {
	return Item{Kind: ItemEvent, SessionID: e.SessionID, Sequence: e.Sequence, Event: &e}
}

// ArtifactItem wraps an artifact as a transcript item.
func ArtifactItem(a Artifact) Item {
	return Item{Kind: ItemArtifact, SessionID: a.SessionID, Sequence: a.Sequence, Artifact: &a}
}

// TerminalItem is the final marker sent to subscribers when a session ends.
func TerminalItem(sessionID uuid.UUID, status SessionStatus) Item {
	return Item{Kind: ItemTerminal, SessionID: sessionID, Status: status}
}

// MergeItems merges per-table slices (each already ordered by sequence) into a
// single slice ordered by sequence, truncated to limit when limit > 0.
func MergeItems(limit int, groups ...[]Item) []Item {
	var n int
	for _, g := range groups {
		n += len(g)
	}
	out := make([]Item, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LateArrival audits an item pushed after its session became terminal.
// Never part of the transcript and never broadcast.
type LateArrival struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	Kind          ItemKind        `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	SessionStatus SessionStatus   `json:"session_status"`
	RejectedLate  bool            `json:"rejected_late"`
	ReceivedAt    time.Time       `json:"received_at"`
}
