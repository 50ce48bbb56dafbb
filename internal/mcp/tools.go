package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hibiki/internal/model"
)

func (s *Server) registerTools() {
	sessionArg := mcplib.WithString("session_id",
		mcplib.Description("The session the runtime is working on"),
		mcplib.Required(),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_start_session",
			mcplib.WithDescription(`Acknowledge that you have started working on a session.

Call this once, before pushing anything. Pushes into a session that was not
started are rejected. Calling it again is harmless.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithDestructiveHintAnnotation(false),
			sessionArg,
			mcplib.WithObject("preferences",
				mcplib.Description("Optional snapshot of the viewer preferences you are acting on. Ignored if the session already has one."),
			),
		),
		s.handleStartSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_push_event",
			mcplib.WithDescription(`Report one step of your activity to everyone watching the session.

agent_event_id must be unique within the session. Re-sending the same id is
safe: the first copy wins and the response has duplicate=true.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithDestructiveHintAnnotation(false),
			sessionArg,
			mcplib.WithString("agent_event_id",
				mcplib.Description("Your identifier for this event, used to absorb retries"),
				mcplib.Required(),
			),
			mcplib.WithString("phase",
				mcplib.Description("Activity stage"),
				mcplib.Enum(string(model.PhaseThinking), string(model.PhaseToolInvocation), string(model.PhaseResult), string(model.PhaseCompleted)),
				mcplib.Required(),
			),
			mcplib.WithString("tool", mcplib.Description("Tool being invoked, if any")),
			mcplib.WithString("title", mcplib.Description("Short headline")),
			mcplib.WithString("message", mcplib.Description("Human-readable detail")),
			mcplib.WithObject("payload", mcplib.Description("Arbitrary structured data; stored and streamed as-is")),
		),
		s.handlePushEvent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_push_message",
			mcplib.WithDescription(`Append a conversational message (usually your reply) to the session transcript.`),
			mcplib.WithDestructiveHintAnnotation(false),
			sessionArg,
			mcplib.WithString("role",
				mcplib.Enum(string(model.RoleAssistant), string(model.RoleSystem), string(model.RoleUser)),
				mcplib.DefaultString(string(model.RoleAssistant)),
			),
			mcplib.WithString("content", mcplib.Required()),
		),
		s.handlePushMessage,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_push_artifact",
			mcplib.WithDescription(`Attach externally stored content (a chart, a file) to an event you already pushed.

Upload the content yourself; pass only its reference. Identify the event by
agent_event_id. A "deferred" status means the registration will be retried
in the background; do not resend it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			sessionArg,
			mcplib.WithString("agent_event_id", mcplib.Description("The event that produced the artifact"), mcplib.Required()),
			mcplib.WithString("storage_ref", mcplib.Description("Where the content lives, e.g. s3://bucket/key"), mcplib.Required()),
			mcplib.WithString("content_type", mcplib.Description("MIME type"), mcplib.Required()),
			mcplib.WithString("caption"),
		),
		s.handlePushArtifact,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_complete_session",
			mcplib.WithDescription(`Finish the session. Viewers receive the final status and their streams close.
Nothing can be pushed afterwards.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			sessionArg,
			mcplib.WithString("outcome",
				mcplib.Enum(string(model.SessionStatusCompleted), string(model.SessionStatusErrored)),
				mcplib.Required(),
			),
			mcplib.WithString("reason", mcplib.Description("Optional explanation, logged")),
		),
		s.handleCompleteSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_get_transcript",
			mcplib.WithDescription(`Read the session transcript in sequence order, e.g. to recover context after a restart.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			sessionArg,
			mcplib.WithNumber("after", mcplib.Description("Return items with a sequence greater than this"), mcplib.Min(0), mcplib.DefaultNumber(0)),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(1000), mcplib.DefaultNumber(100)),
		),
		s.handleGetTranscript,
	)
}

func sessionID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("session_id", "")
	if raw == "" {
		return uuid.Nil, errorResult(model.ErrCodeInvalidInput + ": session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(model.ErrCodeInvalidInput + ": session_id must be a UUID")
	}
	return id, nil
}

// objectArg returns an object argument re-encoded as JSON, or nil if absent.
func objectArg(request mcplib.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Server) handleStartSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	prefs, err := objectArg(request, "preferences")
	if err != nil {
		return errorResult(model.ErrCodeInvalidInput + ": preferences: " + err.Error()), nil
	}
	sess, err := s.sessions.Start(ctx, id, prefs)
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(sess), nil
}

func (s *Server) handlePushEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	payload, err := objectArg(request, "payload")
	if err != nil {
		return errorResult(model.ErrCodeInvalidInput + ": payload: " + err.Error()), nil
	}
	res, err := s.gateway.IngestEvent(ctx, model.EventInput{
		SessionID:    id,
		AgentEventID: request.GetString("agent_event_id", ""),
		Phase:        model.Phase(request.GetString("phase", "")),
		Tool:         request.GetString("tool", ""),
		Title:        request.GetString("title", ""),
		Message:      request.GetString("message", ""),
		Payload:      payload,
	})
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handlePushMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	res, err := s.gateway.IngestMessage(ctx, model.MessageInput{
		SessionID: id,
		Role:      model.Role(request.GetString("role", string(model.RoleAssistant))),
		Content:   request.GetString("content", ""),
	})
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handlePushArtifact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	a, err := s.artifacts.Register(ctx, model.ArtifactInput{
		SessionID:    id,
		AgentEventID: request.GetString("agent_event_id", ""),
		StorageRef:   request.GetString("storage_ref", ""),
		ContentType:  request.GetString("content_type", ""),
		Caption:      request.GetString("caption", ""),
	})
	if errors.Is(err, model.ErrStorageDeferred) {
		return jsonResult(map[string]string{"status": "deferred"}), nil
	}
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(a), nil
}

func (s *Server) handleCompleteSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	sess, err := s.sessions.Complete(ctx, id, model.CompleteSessionRequest{
		Outcome: model.SessionStatus(request.GetString("outcome", "")),
		Reason:  request.GetString("reason", ""),
	})
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(sess), nil
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	page, err := s.sessions.Transcript(ctx, id, int64(request.GetInt("after", 0)), request.GetInt("limit", 100))
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(page), nil
}
