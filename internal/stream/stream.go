// Package stream is the Client Stream Endpoint: a transport-agnostic adapter
// that replays a session's transcript past a cursor, tails live items, and
// ends with the terminal marker. The SSE and WebSocket handlers in the
// server package supply the Sink.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/model"
)

// Sink writes to one connected viewer.
type Sink interface {
	// Send writes a transcript or terminal item.
	Send(ctx context.Context, item model.Item) error
	// Heartbeat keeps an idle connection open.
	Heartbeat(ctx context.Context) error
	// Reconnect tells the viewer it fell behind and should resume from
	// lastSequence.
	Reconnect(ctx context.Context, lastSequence int64) error
}

// ErrShutdown is the cancellation cause a server uses to end its streams
// when it stops. Serve answers it with a reconnect notice so viewers resume
// elsewhere from their last sequence.
var ErrShutdown = errors.New("stream: server shutting down")

// Subscriber opens hub subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID, from int64) (*hub.Subscription, error)
}

// Stream is an open viewer stream.
type Stream struct {
	sub       *hub.Subscription
	heartbeat time.Duration
	logger    *slog.Logger
}

// Open subscribes to sessionID from the given sequence. Errors here (an
// unknown session) happen before anything is written to the viewer.
func Open(ctx context.Context, s Subscriber, sessionID uuid.UUID, from int64, heartbeat time.Duration, logger *slog.Logger) (*Stream, error) {
	sub, err := s.Subscribe(ctx, sessionID, from)
	if err != nil {
		return nil, err
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Stream{sub: sub, heartbeat: heartbeat, logger: logger}, nil
}

// LastSequence is the highest sequence handed to the sink.
func (s *Stream) LastSequence() int64 {
	return s.sub.LastSequence()
}

// Close unsubscribes. Serve closes the stream itself; Close is for streams
// that are opened but never served.
func (s *Stream) Close() {
	s.sub.Close()
}

// Serve pumps items into sink until the session ends, the viewer goes away
// (ctx is cancelled or a write fails), the hub detaches a slow consumer, or
// ctx is cancelled with ErrShutdown. A normal end returns nil.
func (s *Stream) Serve(ctx context.Context, sink Sink) error {
	defer s.sub.Close()
	log := s.logger.With("session_id", s.sub.SessionID)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		item, err := s.sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := sink.Send(ctx, item); err != nil {
				log.Debug("stream: send failed, closing", "sequence", item.Sequence, "error", err)
				return err
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := sink.Heartbeat(ctx); err != nil {
				log.Debug("stream: heartbeat failed, closing", "error", err)
				return err
			}
		case errors.Is(err, hub.ErrStreamEnded):
			return nil
		case errors.Is(err, hub.ErrSlowConsumer):
			last := s.sub.LastSequence()
			log.Info("stream: viewer fell behind, asking it to reconnect", "last_sequence", last)
			if err := sink.Reconnect(ctx, last); err != nil {
				return err
			}
			return hub.ErrSlowConsumer
		case ctx.Err() != nil:
			if errors.Is(context.Cause(ctx), ErrShutdown) {
				last := s.sub.LastSequence()
				log.Info("stream: server shutting down, asking viewer to reconnect", "last_sequence", last)
				_ = sink.Reconnect(context.WithoutCancel(ctx), last)
				return ErrShutdown
			}
			return nil
		default:
			log.Warn("stream: read failed", "error", err)
			return err
		}
	}
}
