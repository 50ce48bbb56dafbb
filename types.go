package hibiki

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// ItemKind names the kind of a transcript item.
type ItemKind string

// Item kinds.
const (
	ItemMessage  ItemKind = "message"
	ItemEvent    ItemKind = "event"
	ItemArtifact ItemKind = "artifact"
)

// Item is one entry of a session transcript as seen by an ItemHook.
// Exactly one of Message, Event or Artifact is set, matching Kind.
type Item struct {
	Kind      ItemKind
	SessionID uuid.UUID
	Sequence  int64
	Message   *Message
	Event     *Event
	Artifact  *Artifact
}

// Message is a conversational turn.
type Message struct {
	ID        uuid.UUID
	Role      string
	Content   string
	CreatedAt time.Time
}

// Event is a progress update from the agent runtime.
type Event struct {
	ID           uuid.UUID
	AgentEventID string
	Phase        string
	Tool         string
	Title        string
	Message      string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// Artifact is a reference to externally stored content attached to an event.
type Artifact struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	StorageRef  string
	ContentType string
	Caption     string
	CreatedAt   time.Time
}

// toPublicItem converts a transcript item. ok is false for terminal markers,
// which hooks never see.
func toPublicItem(it model.Item) (Item, bool) {
	out := Item{Kind: ItemKind(it.Kind), SessionID: it.SessionID, Sequence: it.Sequence}
	switch {
	case it.Message != nil:
		out.Message = &Message{
			ID:        it.Message.ID,
			Role:      string(it.Message.Role),
			Content:   it.Message.Content,
			CreatedAt: it.Message.CreatedAt,
		}
	case it.Event != nil:
		out.Event = &Event{
			ID:           it.Event.ID,
			AgentEventID: it.Event.AgentEventID,
			Phase:        string(it.Event.Phase),
			Tool:         it.Event.Tool,
			Title:        it.Event.Title,
			Message:      it.Event.Message,
			Payload:      it.Event.Payload,
			CreatedAt:    it.Event.CreatedAt,
		}
	case it.Artifact != nil:
		out.Artifact = &Artifact{
			ID:          it.Artifact.ID,
			EventID:     it.Artifact.EventID,
			StorageRef:  it.Artifact.StorageRef,
			ContentType: it.Artifact.ContentType,
			Caption:     it.Artifact.Caption,
			CreatedAt:   it.Artifact.CreatedAt,
		}
	default:
		return Item{}, false
	}
	return out, true
}
