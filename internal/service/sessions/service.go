// Package sessions owns the session lifecycle: creation, start, completion,
// cancellation and the idle/retention sweep. Every transition into a terminal
// status also ends the session's broadcast topic.
package sessions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Terminator ends a session's live stream.
type Terminator interface {
	Terminate(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus)
}

// Service encapsulates session lifecycle logic shared by HTTP and MCP handlers.
type Service struct {
	store  storage.Store
	hub    Terminator
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a session Service.
func New(store storage.Store, hub Terminator, logger *slog.Logger) *Service {
	return &Service{store: store, hub: hub, logger: logger, tracer: telemetry.Tracer("hibiki/sessions")}
}

// Create records a new pending session.
func (s *Service) Create(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	if err := req.Validate(); err != nil {
		return model.Session{}, err
	}
	sess, err := s.store.CreateSession(ctx, req)
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("sessions: created", "session_id", sess.ID, "owner", sess.Owner, "tier", sess.Tier)
	return sess, nil
}

// Get returns a session or model.ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Start is the runtime's acknowledgement that it began working on the
// session. Preferences are snapshotted unless the session already has them.
func (s *Service) Start(ctx context.Context, id uuid.UUID, preferences json.RawMessage) (model.Session, error) {
	if len(preferences) > 0 && !json.Valid(preferences) {
		return model.Session{}, model.Invalid("preferences", "must be valid JSON")
	}
	sess, err := s.store.StartSession(ctx, id, preferences)
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("sessions: started", "session_id", id)
	return sess, nil
}

// Complete ends a session with the runtime's outcome (completed or errored).
func (s *Service) Complete(ctx context.Context, id uuid.UUID, req model.CompleteSessionRequest) (model.Session, error) {
	if err := req.Validate(); err != nil {
		return model.Session{}, err
	}
	sess, err := s.Transition(ctx, id, req.Outcome)
	if err != nil {
		return model.Session{}, err
	}
	if req.Reason != "" {
		s.logger.Info("sessions: runtime reported outcome", "session_id", id, "outcome", req.Outcome, "reason", req.Reason)
	}
	return sess, nil
}

// Cancel is the viewer's stop request. After it returns, ingestion for the
// session is rejected and subscribers have been handed the terminal marker.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.Transition(ctx, id, model.SessionStatusCancelled)
}

// Transition applies the state machine and, for terminal targets, ends the
// broadcast topic.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to model.SessionStatus) (model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.transition", trace.WithAttributes(
		attribute.String("hibiki.session_id", id.String()),
		attribute.String("hibiki.status", string(to)),
	))
	defer span.End()

	sess, err := s.store.TransitionSession(ctx, id, to)
	if err != nil {
		return model.Session{}, err
	}
	if sess.Status.Terminal() {
		s.hub.Terminate(context.WithoutCancel(ctx), id, sess.Status)
		s.logger.Info("sessions: ended", "session_id", id, "status", sess.Status, "last_sequence", sess.LastSequence)
	}
	return sess, nil
}

// LateArrivals lists items rejected because the session had already ended.
func (s *Service) LateArrivals(ctx context.Context, id uuid.UUID) ([]model.LateArrival, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LateArrivals(ctx, id)
}

// Transcript returns up to limit items with sequence > after. limit is
// clamped to storage.MaxItemsPage.
func (s *Service) Transcript(ctx context.Context, id uuid.UUID, after int64, limit int) (model.TranscriptPage, error) {
	if after < 0 {
		after = 0
	}
	if limit <= 0 || limit > storage.MaxItemsPage {
		limit = storage.MaxItemsPage
	}
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return model.TranscriptPage{}, err
	}
	items, err := s.store.ItemsAfter(ctx, id, after, limit)
	if err != nil {
		return model.TranscriptPage{}, err
	}
	// A full page may be followed by more; a short one is the tail.
	page := model.TranscriptPage{Items: items, Next: after, HasMore: len(items) == limit}
	if n := len(page.Items); n > 0 {
		page.Next = page.Items[n-1].Sequence
	}
	if page.Items == nil {
		page.Items = []model.Item{}
	}
	return page, nil
}
