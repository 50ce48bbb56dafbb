package model

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field length limits. These keep a misbehaving runtime from filling TEXT
// columns or subscriber queues with caller-controlled garbage.
const (
	MaxAgentEventIDLen = 256
	MaxOwnerLen        = 256
	MaxTierLen         = 64
	MaxToolLen         = 200
	MaxTitleLen        = 1024
	MaxMessageLen      = 64 * 1024  // 64 KB
	MaxContentLen      = 256 * 1024 // 256 KB
	MaxStorageRefLen   = 2048
	MaxContentTypeLen  = 255
	MaxCaptionLen      = 4096
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeSessionClosed = "SESSION_CLOSED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	Owner       string          `json:"owner"`
	Tier        string          `json:"tier,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks required fields and limits.
func (r CreateSessionRequest) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return Invalid("owner", "is required")
	}
	if len(r.Owner) > MaxOwnerLen {
		return Invalid("owner", "exceeds maximum length of %d", MaxOwnerLen)
	}
	if len(r.Tier) > MaxTierLen {
		return Invalid("tier", "exceeds maximum length of %d", MaxTierLen)
	}
	if err := validateTextFields(textField{"owner", r.Owner}, textField{"tier", r.Tier}); err != nil {
		return err
	}
	if err := validateOpaqueJSON("preferences", r.Preferences); err != nil {
		return err
	}
	return validateOpaqueJSON("metadata", r.Metadata)
}

// StartSessionRequest is the body of the runtime's startSession call.
type StartSessionRequest struct {
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// EventInput is a single event pushed by the agent runtime.
type EventInput struct {
	SessionID    uuid.UUID       `json:"-"`
	AgentEventID string          `json:"agent_event_id"`
	Phase        Phase           `json:"phase"`
	Tool         string          `json:"tool,omitempty"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks required fields and limits.
func (in EventInput) Validate() error {
	if strings.TrimSpace(in.AgentEventID) == "" {
		return Invalid("agent_event_id", "is required")
	}
	if len(in.AgentEventID) > MaxAgentEventIDLen {
		return Invalid("agent_event_id", "exceeds maximum length of %d", MaxAgentEventIDLen)
	}
	if !in.Phase.Valid() {
		return Invalid("phase", "must be one of thinking, tool_invocation, result, completed")
	}
	if len(in.Tool) > MaxToolLen {
		return Invalid("tool", "exceeds maximum length of %d", MaxToolLen)
	}
	if len(in.Title) > MaxTitleLen {
		return Invalid("title", "exceeds maximum length of %d", MaxTitleLen)
	}
	if len(in.Message) > MaxMessageLen {
		return Invalid("message", "exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if err := validateTextFields(
		textField{"agent_event_id", in.AgentEventID},
		textField{"tool", in.Tool},
		textField{"title", in.Title},
		textField{"message", in.Message},
	); err != nil {
		return err
	}
	return validateOpaqueJSON("payload", in.Payload)
}

// MessageInput is a message pushed by the runtime or posted by a viewer.
type MessageInput struct {
	SessionID uuid.UUID `json:"-"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
}

// Validate checks required fields and limits.
func (in MessageInput) Validate() error {
	if !in.Role.Valid() {
		return Invalid("role", "must be one of user, assistant, system")
	}
	if in.Content == "" {
		return Invalid("content", "is required")
	}
	if len(in.Content) > MaxContentLen {
		return Invalid("content", "exceeds maximum length of %d bytes", MaxContentLen)
	}
	return validateTextFields(textField{"content", in.Content})
}

// ArtifactInput registers a reference to externally stored content.
// The event may be named by internal id (EventID) or by the runtime's
// AgentEventID; EventID wins when both are set.
type ArtifactInput struct {
	SessionID    uuid.UUID `json:"-"`
	EventID      uuid.UUID `json:"event_id,omitempty"`
	AgentEventID string    `json:"agent_event_id,omitempty"`
	StorageRef   string    `json:"storage_ref"`
	ContentType  string    `json:"content_type"`
	Caption      string    `json:"caption,omitempty"`
}

// Validate checks required fields and limits.
func (in ArtifactInput) Validate() error {
	if in.EventID == uuid.Nil && strings.TrimSpace(in.AgentEventID) == "" {
		return Invalid("event_id", "event_id or agent_event_id is required")
	}
	if strings.TrimSpace(in.StorageRef) == "" {
		return Invalid("storage_ref", "is required")
	}
	if len(in.StorageRef) > MaxStorageRefLen {
		return Invalid("storage_ref", "exceeds maximum length of %d", MaxStorageRefLen)
	}
	if strings.TrimSpace(in.ContentType) == "" {
		return Invalid("content_type", "is required")
	}
	if len(in.ContentType) > MaxContentTypeLen {
		return Invalid("content_type", "exceeds maximum length of %d", MaxContentTypeLen)
	}
	if len(in.Caption) > MaxCaptionLen {
		return Invalid("caption", "exceeds maximum length of %d", MaxCaptionLen)
	}
	return validateTextFields(
		textField{"agent_event_id", in.AgentEventID},
		textField{"storage_ref", in.StorageRef},
		textField{"content_type", in.ContentType},
		textField{"caption", in.Caption},
	)
}

// PostMessageRequest is the viewer's body for POST /v1/sessions/{id}/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// CompleteSessionRequest is the runtime's body for completeSession.
// Outcome is "completed" or "errored".
type CompleteSessionRequest struct {
	Outcome SessionStatus `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
}

// Validate checks the outcome.
func (r CompleteSessionRequest) Validate() error {
	if r.Outcome != SessionStatusCompleted && r.Outcome != SessionStatusErrored {
		return Invalid("outcome", "must be completed or errored")
	}
	return nil
}

// IngestResult is returned for every accepted push.
type IngestResult struct {
	ID        uuid.UUID `json:"id"`
	Sequence  int64     `json:"sequence"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// TranscriptPage is a page of a session transcript.
type TranscriptPage struct {
	Items   []Item `json:"items"`
	HasMore bool   `json:"has_more"`
	Next    int64  `json:"next_after"`
}

type textField struct {
	name, value string
}

// validateTextFields rejects text Postgres cannot store in a TEXT column:
// invalid UTF-8 and NUL bytes. Checking here keeps both backends replaying
// exactly what was accepted.
func validateTextFields(fields ...textField) error {
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return Invalid(f.name, "must be valid UTF-8")
		}
		if strings.IndexByte(f.value, 0) >= 0 {
			return Invalid(f.name, "must not contain NUL bytes")
		}
	}
	return nil
}

func validateOpaqueJSON(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !utf8.Valid(raw) {
		return Invalid(field, "must be valid UTF-8")
	}
	if !json.Valid(raw) {
		return Invalid(field, "must be valid JSON")
	}
	if hasEscapedNUL(raw) {
		return Invalid(field, "must not contain \\u0000")
	}
	return nil
}

// hasEscapedNUL reports whether a valid JSON document contains the \u0000
// escape, which jsonb rejects. An escaped backslash followed by "u0000" is
// ordinary text and does not count.
func hasEscapedNUL(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if i+1 < len(raw) && raw[i+1] == 'u' && i+6 <= len(raw) && string(raw[i+2:i+6]) == "0000" {
			return true
		}
		i++ // skip the escaped character
	}
	return false
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	Topics      int    `json:"topics"`
	Subscribers int64  `json:"subscribers"`
	RetryQueue  int    `json:"artifact_retry_queue"`
	Uptime      int64  `json:"uptime_seconds"`
}
