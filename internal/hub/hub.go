// Package hub fans transcript items out to live subscribers of a session.
//
// Each session with at least one subscriber has a topic. A subscriber first
// pages through the stored transcript past its cursor; once it reaches the
// tail it registers on the topic while holding the topic lock, which Publish
// also takes, so no item can slip between the backlog and the live feed.
// Every subscriber remembers the highest sequence it was handed and ignores
// anything at or below it, so an item seen in both the backlog and the live
// feed is delivered once.
//
// In multi-instance deployments an Announcer relays publishes and
// terminations between instances (see Relay); remote announcements trigger
// a catch-up read from the store rather than carrying the item itself.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

var (
	// ErrSlowConsumer is returned by Next after the subscriber's queue
	// overflowed. The caller should reconnect from LastSequence.
	ErrSlowConsumer = errors.New("hub: subscriber fell behind and was detached")

	// ErrStreamEnded is returned by Next after the terminal item was handed out.
	ErrStreamEnded = errors.New("hub: stream ended")

	// ErrUnsubscribed is returned by Next after Close.
	ErrUnsubscribed = errors.New("hub: unsubscribed")
)

// Transcript is the read side of the store the hub catches up from.
type Transcript interface {
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	ItemsAfter(ctx context.Context, sessionID uuid.UUID, after int64, limit int) ([]model.Item, error)
}

// Announcer relays hub traffic to other instances.
type Announcer interface {
	AnnounceItem(ctx context.Context, sessionID uuid.UUID, sequence int64) error
	AnnounceTerminal(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error
}

// Hub is the Broadcast Hub.
type Hub struct {
	store     Transcript
	logger    *slog.Logger
	queueSize int
	pageSize  int
	announcer Announcer

	mu     sync.Mutex
	topics map[uuid.UUID]*topic

	subscribers   atomic.Int64
	slowConsumers metric.Int64Counter
}

type topic struct {
	sessionID uuid.UUID

	mu         sync.Mutex
	live       map[*Subscription]struct{}
	members    int // guarded by Hub.mu
	terminated bool
	final      model.SessionStatus
}

// New creates a Hub. queueSize bounds each subscriber's live queue.
func New(store Transcript, logger *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	h := &Hub{
		store:     store,
		logger:    logger,
		queueSize: queueSize,
		pageSize:  min(queueSize, 500),
		topics:    make(map[uuid.UUID]*topic),
	}
	h.registerMetrics()
	return h
}

// SetAnnouncer installs the cross-instance relay. Must be called before the
// hub is used.
func (h *Hub) SetAnnouncer(a Announcer) {
	h.announcer = a
}

// Subscribe opens a subscription delivering every item with sequence >
// from, then live items, then a terminal item once the session ends.
// The session must exist.
func (h *Hub) Subscribe(ctx context.Context, sessionID uuid.UUID, from int64) (*Subscription, error) {
	if from < 0 {
		from = 0
	}
	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	t := h.acquire(sessionID)
	h.subscribers.Add(1)
	return &Subscription{
		SessionID: sessionID,
		hub:       h,
		topic:     t,
		last:      from,
		delivered: from,
		signal:    make(chan struct{}, 1),
	}, nil
}

// Unsubscribe detaches sub. Equivalent to sub.Close.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.Close()
}

// Publish delivers a committed item to local subscribers of its session and
// announces it to other instances. Callers publish a session's items in
// sequence order.
func (h *Hub) Publish(ctx context.Context, item model.Item) {
	if t := h.lookup(item.SessionID); t != nil {
		t.mu.Lock()
		if !t.terminated {
			h.fill(ctx, t, item.Sequence-1)
			h.offerAll(t, item)
		}
		t.mu.Unlock()
	}
	if h.announcer != nil {
		if err := h.announcer.AnnounceItem(ctx, item.SessionID, item.Sequence); err != nil {
			h.logger.Warn("hub: announce item", "session_id", item.SessionID, "sequence", item.Sequence, "error", err)
		}
	}
}

// Terminate flushes any committed items local subscribers have not seen,
// hands each of them a terminal item, closes them and drops the topic.
// It is announced to other instances.
func (h *Hub) Terminate(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) {
	h.terminateLocal(ctx, sessionID, status)
	if h.announcer != nil {
		if err := h.announcer.AnnounceTerminal(ctx, sessionID, status); err != nil {
			h.logger.Warn("hub: announce terminal", "session_id", sessionID, "error", err)
		}
	}
}

func (h *Hub) terminateLocal(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) {
	h.mu.Lock()
	t := h.topics[sessionID]
	delete(h.topics, sessionID)
	h.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	h.fill(ctx, t, -1)
	t.terminated = true
	t.final = status
	term := model.TerminalItem(sessionID, status)
	for sub := range t.live {
		sub.enqueue(term)
		sub.finish(nil)
		delete(t.live, sub)
	}
	h.logger.Debug("hub: topic terminated", "session_id", sessionID, "status", status)
}

// CatchUp delivers committed items up to and including sequence that local
// subscribers have not yet seen. The relay calls it for remote announcements.
func (h *Hub) CatchUp(ctx context.Context, sessionID uuid.UUID, sequence int64) {
	t := h.lookup(sessionID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminated {
		h.fill(ctx, t, sequence)
	}
}

// resync brings every local topic up to date with the store, terminating
// topics whose session ended while announcements were not being received.
func (h *Hub) resync(ctx context.Context) {
	h.mu.Lock()
	ids := make([]uuid.UUID, 0, len(h.topics))
	for id := range h.topics {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		sess, err := h.store.GetSession(ctx, id)
		if err != nil {
			h.logger.Warn("hub: resync read failed", "session_id", id, "error", err)
			continue
		}
		if sess.Status.Terminal() {
			h.terminateLocal(ctx, id, sess.Status)
			continue
		}
		h.CatchUp(ctx, id, sess.LastSequence)
	}
}

// fill reads items past the lowest live cursor from the store and offers
// them, stopping once upTo is covered (upTo < 0 reads to the end).
// Called with t.mu held.
func (h *Hub) fill(ctx context.Context, t *topic, upTo int64) {
	if len(t.live) == 0 {
		return
	}
	cursor := int64(-1)
	for sub := range t.live {
		if l := sub.cursor(); cursor < 0 || l < cursor {
			cursor = l
		}
	}
	if upTo >= 0 && cursor >= upTo {
		return
	}

	for {
		items, err := h.store.ItemsAfter(ctx, t.sessionID, cursor, h.pageSize)
		if err != nil {
			h.logger.Warn("hub: catch-up read failed", "session_id", t.sessionID, "after", cursor, "error", err)
			return
		}
		for _, it := range items {
			if upTo >= 0 && it.Sequence > upTo {
				return
			}
			h.offerAll(t, it)
			cursor = it.Sequence
		}
		if len(items) < h.pageSize || len(t.live) == 0 {
			return
		}
	}
}

// offerAll hands item to every live subscriber, detaching those whose
// queue is full. Called with t.mu held.
func (h *Hub) offerAll(t *topic, item model.Item) {
	for sub := range t.live {
		if sub.offer(item, h.queueSize) {
			continue
		}
		delete(t.live, sub)
		sub.finish(ErrSlowConsumer)
		h.slowConsumers.Add(context.Background(), 1)
		h.logger.Warn("hub: slow consumer detached",
			"session_id", t.sessionID, "last_sequence", sub.LastSequence())
	}
}

func (h *Hub) lookup(sessionID uuid.UUID) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[sessionID]
}

func (h *Hub) acquire(sessionID uuid.UUID) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[sessionID]
	if t == nil {
		t = &topic{sessionID: sessionID, live: make(map[*Subscription]struct{})}
		h.topics[sessionID] = t
	}
	t.members++
	return t
}

// release drops one membership. A topic without members is removed so idle
// sessions hold no hub state.
func (h *Hub) release(t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.members--
	if t.members <= 0 && h.topics[t.sessionID] == t {
		delete(h.topics, t.sessionID)
	}
	h.subscribers.Add(-1)
}

// Topics returns the number of sessions with at least one subscriber.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int64 {
	return h.subscribers.Load()
}

func (h *Hub) registerMetrics() {
	meter := telemetry.Meter("hibiki/hub")

	h.slowConsumers, _ = meter.Int64Counter("hibiki.hub.slow_consumer_disconnects",
		metric.WithDescription("Subscribers detached because their queue overflowed"),
	)
	_, _ = meter.Int64ObservableGauge("hibiki.hub.subscribers",
		metric.WithDescription("Open stream subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.Subscribers())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("hibiki.hub.topics",
		metric.WithDescription("Sessions with at least one subscriber"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Topics()))
			return nil
		}),
	)
}
