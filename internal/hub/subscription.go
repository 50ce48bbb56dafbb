package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// Subscription is one subscriber's view of a session. Next is not safe for
// concurrent use; Close may be called from any goroutine.
type Subscription struct {
	SessionID uuid.UUID

	hub   *Hub
	topic *topic

	mu        sync.Mutex
	queue     []model.Item
	last      int64 // highest sequence enqueued
	delivered int64 // highest sequence returned by Next
	live      bool  // registered on the topic
	nearTail  bool  // last backlog page was short; next read takes the topic lock
	done      bool  // nothing more will be enqueued
	err       error
	signal    chan struct{}

	releaseOnce sync.Once
}

// Next blocks until the next item is available. After the terminal item it
// returns ErrStreamEnded; after an overflow ErrSlowConsumer; after Close
// ErrUnsubscribed.
func (s *Subscription) Next(ctx context.Context) (model.Item, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = model.Item{}
			s.queue = s.queue[1:]
			if it.Sequence > s.delivered {
				s.delivered = it.Sequence
			}
			s.mu.Unlock()
			return it, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrStreamEnded
			}
			return model.Item{}, err
		}
		live := s.live
		s.mu.Unlock()

		if !live {
			if err := s.catchUp(ctx); err != nil {
				return model.Item{}, err
			}
			continue
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return model.Item{}, ctx.Err()
		}
	}
}

// LastSequence is the highest sequence handed out by Next; a reconnecting
// client resumes from it.
func (s *Subscription) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	t := s.topic
	t.mu.Lock()
	delete(t.live, s)
	t.mu.Unlock()
	s.finish(ErrUnsubscribed)
}

// catchUp reads the next backlog page. Once the backlog is exhausted it
// registers the subscription on the topic under the topic lock, or, if the
// session has ended, queues the terminal item.
func (s *Subscription) catchUp(ctx context.Context) error {
	h := s.hub

	s.mu.Lock()
	after, nearTail := s.last, s.nearTail
	s.mu.Unlock()

	if !nearTail {
		items, err := h.store.ItemsAfter(ctx, s.SessionID, after, h.pageSize)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.appendBacklog(items)
		if len(items) < h.pageSize {
			s.nearTail = true
		}
		s.mu.Unlock()
		return nil
	}

	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	// Status is read before the transcript: once it is terminal no further
	// item can be committed, so the read below is complete.
	sess, err := h.store.GetSession(ctx, s.SessionID)
	if err != nil {
		return err
	}
	items, err := h.store.ItemsAfter(ctx, s.SessionID, after, h.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if len(items) > 0 {
		s.appendBacklog(items)
		return nil
	}
	switch {
	case sess.Status.Terminal():
		s.queue = append(s.queue, model.TerminalItem(s.SessionID, sess.Status))
		s.markDone(nil)
		s.releaseOnce.Do(func() { h.release(t) })
	case t.terminated:
		s.queue = append(s.queue, model.TerminalItem(s.SessionID, t.final))
		s.markDone(nil)
		s.releaseOnce.Do(func() { h.release(t) })
	default:
		t.live[s] = struct{}{}
		s.live = true
	}
	return nil
}

// appendBacklog queues backlog items past the cursor. Called with s.mu held.
func (s *Subscription) appendBacklog(items []model.Item) {
	for _, it := range items {
		if it.Sequence <= s.last {
			continue
		}
		s.queue = append(s.queue, it)
		s.last = it.Sequence
	}
}

// cursor returns the highest sequence enqueued. Called with the topic lock held.
func (s *Subscription) cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// offer queues a live item, skipping anything at or below the cursor.
// Returns false when the queue is full. Called with the topic lock held.
func (s *Subscription) offer(item model.Item, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	if item.Kind != model.ItemTerminal && item.Sequence <= s.last {
		return true
	}
	if len(s.queue) >= limit {
		return false
	}
	s.queue = append(s.queue, item)
	if item.Sequence > s.last {
		s.last = item.Sequence
	}
	s.wake()
	return true
}

// enqueue queues item unconditionally. Called with the topic lock held.
func (s *Subscription) enqueue(item model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, item)
	s.wake()
}

// finish marks the subscription done with err (nil for a normal end) and
// releases its topic membership.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.markDone(err)
	s.mu.Unlock()
	s.releaseOnce.Do(func() { s.hub.release(s.topic) })
}

// markDone is finish without the release. Called with s.mu held.
func (s *Subscription) markDone(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
