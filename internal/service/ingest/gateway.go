// Package ingest is the Event Ingestion Gateway: the single entry point for
// items pushed by the agent runtime or posted by viewers.
//
// Every accepted item is persisted first and published second. Persist and
// publish for one session run under that session's lock, so subscribers see
// items in sequence order; unrelated sessions never wait on each other. A
// semaphore bounds the number of ingestion calls in flight.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// ForwardFailedPrefix prefixes the agent_event_id of the synthetic event
// recorded when a viewer message could not be delivered to the runtime.
const ForwardFailedPrefix = "forward-failed:"

// Publisher fans committed items out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, item model.Item)
}

// DefaultForwardTimeout applies when Config.ForwardTimeout is unset.
const DefaultForwardTimeout = 2 * time.Minute

// Forwarder delivers viewer messages to the agent runtime. Implementations
// do their own retrying; an error is final.
type Forwarder interface {
	ForwardUserMessage(ctx context.Context, sessionID, messageID uuid.UUID, content string) error
}

// Config tunes a Gateway.
type Config struct {
	MaxConcurrency int
	ForwardTimeout time.Duration // per message, across all retries
}

// Gateway is the Event Ingestion Gateway.
type Gateway struct {
	store     storage.Store
	pub       Publisher
	forwarder Forwarder
	locks     *Locks
	sem       *semaphore.Weighted
	logger    *slog.Logger
	tracer    trace.Tracer

	forwardTimeout time.Duration
	forwardMu      sync.Mutex
	forwardQueues  map[uuid.UUID]*forwardQueue
	forwardWG      sync.WaitGroup

	items           metric.Int64Counter
	duplicates      metric.Int64Counter
	rejectedLate    metric.Int64Counter
	forwardFailures metric.Int64Counter
}

// forwardQueue holds a session's viewer messages awaiting delivery, so they
// reach the runtime in the order they were accepted.
type forwardQueue struct {
	pending []model.Message
}

// New creates a Gateway. forwarder may be nil, in which case user messages
// are stored and broadcast but not forwarded. locks is shared with every
// other writer of transcript items (the artifact registrar).
func New(store storage.Store, pub Publisher, forwarder Forwarder, locks *Locks, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 64
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if locks == nil {
		locks = NewLocks()
	}
	meter := telemetry.Meter("hibiki/ingest")
	items, _ := meter.Int64Counter("hibiki.ingest.items",
		metric.WithDescription("Transcript items accepted, by kind"),
	)
	dups, _ := meter.Int64Counter("hibiki.ingest.duplicates",
		metric.WithDescription("Duplicate agent events absorbed"),
	)
	late, _ := meter.Int64Counter("hibiki.ingest.rejected_late",
		metric.WithDescription("Items rejected because their session had ended"),
	)
	fwdFail, _ := meter.Int64Counter("hibiki.forward.failures",
		metric.WithDescription("Viewer messages that could not be delivered to the agent runtime"),
	)
	return &Gateway{
		store:           store,
		pub:             pub,
		forwarder:       forwarder,
		locks:           locks,
		sem:             semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:          logger,
		tracer:          telemetry.Tracer("hibiki/ingest"),
		forwardTimeout:  cfg.ForwardTimeout,
		forwardQueues:   make(map[uuid.UUID]*forwardQueue),
		items:           items,
		duplicates:      dups,
		rejectedLate:    late,
		forwardFailures: fwdFail,
	}
}

// IngestEvent persists and publishes one agent event. A redelivered
// agent_event_id returns the stored sequence with Duplicate set and is not
// broadcast again.
func (g *Gateway) IngestEvent(ctx context.Context, in model.EventInput) (model.IngestResult, error) {
	if err := in.Validate(); err != nil {
		return model.IngestResult{}, err
	}
	ctx, span := g.tracer.Start(ctx, "ingest.event", trace.WithAttributes(
		attribute.String("hibiki.session_id", in.SessionID.String()),
		attribute.String("hibiki.agent_event_id", in.AgentEventID),
		attribute.String("hibiki.phase", string(in.Phase)),
	))
	defer span.End()

	release, err := g.admit(ctx, in.SessionID)
	if err != nil {
		return model.IngestResult{}, err
	}
	defer release()

	ev, duplicate, err := g.store.AppendEvent(ctx, in)
	if err != nil {
		g.rejected(ctx, span, in.SessionID, model.ItemEvent, in, err)
		return model.IngestResult{}, err
	}
	span.SetAttributes(attribute.Int64("hibiki.sequence", ev.Sequence))

	if duplicate {
		span.SetAttributes(attribute.Bool("hibiki.duplicate", true))
		g.duplicates.Add(ctx, 1)
		if ev.ContentHash != "" && ev.ContentHash != in.ContentHash() {
			g.logger.Warn("ingest: duplicate agent_event_id with different content, keeping the first",
				"session_id", in.SessionID, "agent_event_id", in.AgentEventID, "sequence", ev.Sequence)
		}
		return model.IngestResult{ID: ev.ID, Sequence: ev.Sequence, Duplicate: true}, nil
	}

	g.items.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(model.ItemEvent))))
	g.pub.Publish(context.WithoutCancel(ctx), model.EventItem(ev))
	return model.IngestResult{ID: ev.ID, Sequence: ev.Sequence}, nil
}

// IngestMessage persists and publishes one message. Messages from the user
// role are then forwarded to the agent runtime in the background; a failed
// delivery never undoes the append and is reported as a synthetic result
// event instead.
func (g *Gateway) IngestMessage(ctx context.Context, in model.MessageInput) (model.IngestResult, error) {
	if err := in.Validate(); err != nil {
		return model.IngestResult{}, err
	}
	ctx, span := g.tracer.Start(ctx, "ingest.message", trace.WithAttributes(
		attribute.String("hibiki.session_id", in.SessionID.String()),
		attribute.String("hibiki.role", string(in.Role)),
	))
	defer span.End()

	release, err := g.admit(ctx, in.SessionID)
	if err != nil {
		return model.IngestResult{}, err
	}
	msg, err := g.store.AppendMessage(ctx, in)
	if err != nil {
		release()
		g.rejected(ctx, span, in.SessionID, model.ItemMessage, in, err)
		return model.IngestResult{}, err
	}
	span.SetAttributes(attribute.Int64("hibiki.sequence", msg.Sequence))
	g.items.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(model.ItemMessage))))
	g.pub.Publish(context.WithoutCancel(ctx), model.MessageItem(msg))
	release()

	if msg.Role == model.RoleUser && g.forwarder != nil {
		g.enqueueForward(msg)
	}
	return model.IngestResult{ID: msg.ID, Sequence: msg.Sequence}, nil
}

// Drain waits for pending forwards to finish or ctx to expire.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.forwardWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: drain forwards: %w", ctx.Err())
	}
}

// admit takes an ingestion slot and the session lock.
func (g *Gateway) admit(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ingest: acquire slot: %w", err)
	}
	unlock := g.locks.Lock(sessionID)
	return func() {
		unlock()
		g.sem.Release(1)
	}, nil
}

// rejected records an append failure. Pushes into an ended session are kept
// as late arrivals for audit.
func (g *Gateway) rejected(ctx context.Context, span trace.Span, sessionID uuid.UUID, kind model.ItemKind, body any, err error) {
	if !errors.Is(err, model.ErrSessionClosed) {
		if !model.IsValidation(err) && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrSessionNotStarted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return
	}
	g.rejectedLate.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	RecordLate(context.WithoutCancel(ctx), g.store, g.logger, sessionID, kind, body)
}

// RecordLate stores an audit row for an item pushed after its session ended.
// Failures are logged; the caller has already been told the session is closed.
func RecordLate(ctx context.Context, store storage.Store, logger *slog.Logger, sessionID uuid.UUID, kind model.ItemKind, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.Warn("ingest: marshal late arrival", "session_id", sessionID, "error", err)
		return
	}
	la := model.LateArrival{
		SessionID:    sessionID,
		Kind:         kind,
		Payload:      payload,
		RejectedLate: true,
	}
	if sess, err := store.GetSession(ctx, sessionID); err == nil {
		la.SessionStatus = sess.Status
	}
	if err := store.RecordLateArrival(ctx, la); err != nil {
		logger.Warn("ingest: record late arrival", "session_id", sessionID, "kind", kind, "error", err)
		return
	}
	logger.Info("ingest: rejected item for ended session",
		"session_id", sessionID, "kind", kind, "status", la.SessionStatus)
}
