package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// enqueueForward schedules msg for delivery to the runtime. Each session
// gets at most one delivery goroutine, which exits once its queue is empty.
func (g *Gateway) enqueueForward(msg model.Message) {
	g.forwardMu.Lock()
	defer g.forwardMu.Unlock()
	q := g.forwardQueues[msg.SessionID]
	if q != nil {
		q.pending = append(q.pending, msg)
		return
	}
	q = &forwardQueue{pending: []model.Message{msg}}
	g.forwardQueues[msg.SessionID] = q
	g.forwardWG.Add(1)
	go g.runForwards(msg.SessionID, q)
}

func (g *Gateway) runForwards(sessionID uuid.UUID, q *forwardQueue) {
	defer g.forwardWG.Done()
	for {
		g.forwardMu.Lock()
		if len(q.pending) == 0 {
			delete(g.forwardQueues, sessionID)
			g.forwardMu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		g.forwardMu.Unlock()

		g.forward(msg)
	}
}

// forward delivers one message; on failure it appends a result event so
// viewers learn the agent never saw it.
func (g *Gateway) forward(msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), g.forwardTimeout)
	defer cancel()
	ctx, span := g.tracer.Start(ctx, "ingest.forward")
	defer span.End()

	err := g.forwarder.ForwardUserMessage(ctx, msg.SessionID, msg.ID, msg.Content)
	if err == nil {
		return
	}
	g.forwardFailures.Add(ctx, 1)
	span.RecordError(err)
	g.logger.Warn("ingest: message not delivered to agent",
		"session_id", msg.SessionID, "message_id", msg.ID, "sequence", msg.Sequence, "error", err)

	payload, _ := json.Marshal(map[string]any{
		"message_id":       msg.ID,
		"message_sequence": msg.Sequence,
		"degraded":         true,
		"error":            err.Error(),
	})
	_, err = g.IngestEvent(context.WithoutCancel(ctx), model.EventInput{
		SessionID:    msg.SessionID,
		AgentEventID: ForwardFailedPrefix + msg.ID.String(),
		Phase:        model.PhaseResult,
		Title:        "Message not delivered",
		Message:      "message not delivered to agent",
		Payload:      payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrSessionClosed):
		// The session ended while delivery was being retried.
	default:
		g.logger.Error("ingest: record forward failure", "session_id", msg.SessionID, "message_id", msg.ID, "error", err)
	}
}
