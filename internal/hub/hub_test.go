package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/storage/storetest"
	"github.com/ashita-ai/hibiki/internal/testutil"
)

func newHub(t *testing.T, queueSize int) (*Hub, storage.Store) {
	t.Helper()
	store := testutil.NewSQLite(t)
	return New(store, testutil.TestLogger(), queueSize), store
}

// appendMessage persists a message and publishes it, the way the gateway does.
func appendMessage(t *testing.T, h *Hub, store storage.Store, sessionID uuid.UUID, content string) model.Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), model.MessageInput{SessionID: sessionID, Role: model.RoleAssistant, Content: content})
	require.NoError(t, err)
	h.Publish(context.Background(), model.MessageItem(msg))
	return msg
}

// goLive drives an idle subscription through its (empty) backlog until it is
// registered on the topic.
func goLive(t *testing.T, sub *Subscription) {
	t.Helper()
	for range 10 {
		sub.mu.Lock()
		live, pending := sub.live, len(sub.queue)
		sub.mu.Unlock()
		if live {
			return
		}
		require.Zero(t, pending, "goLive expects an empty backlog")
		require.NoError(t, sub.catchUp(context.Background()))
	}
	t.Fatal("subscription never went live")
}

func next(t *testing.T, sub *Subscription) model.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := sub.Next(ctx)
	require.NoError(t, err)
	return it
}

func TestBacklogThenLiveThenTerminal(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)

	for i := range 3 {
		appendMessage(t, h, store, sess.ID, fmt.Sprint("backlog-", i))
	}

	sub, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, want, next(t, sub).Sequence)
	}

	appendMessage(t, h, store, sess.ID, "live")
	it := next(t, sub)
	assert.Equal(t, int64(4), it.Sequence)
	assert.Equal(t, "live", it.Message.Content)

	_, err = store.TransitionSession(ctx, sess.ID, model.SessionStatusCancelled)
	require.NoError(t, err)
	h.Terminate(ctx, sess.ID, model.SessionStatusCancelled)

	term := next(t, sub)
	assert.Equal(t, model.ItemTerminal, term.Kind)
	assert.Equal(t, model.SessionStatusCancelled, term.Status)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Zero(t, h.Topics())
	assert.Zero(t, h.Subscribers())
}

func TestConcurrentSubscribersSeeIdenticalOrder(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 1024)
	sess := storetest.NewRunningSession(t, store)

	const total = 150
	const subscribers = 6

	results := make([][]int64, subscribers)
	var wg sync.WaitGroup
	for i := range subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger joins so some subscribers start mid-stream.
			time.Sleep(time.Duration(i) * 3 * time.Millisecond)
			sub, err := h.Subscribe(ctx, sess.ID, 0)
			if !assert.NoError(t, err) {
				return
			}
			defer sub.Close()
			nctx, cancel := context.WithTimeout(ctx, 20*time.Second)
			defer cancel()
			for {
				it, err := sub.Next(nctx)
				if errors.Is(err, ErrStreamEnded) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				if it.Kind == model.ItemTerminal {
					continue
				}
				results[i] = append(results[i], it.Sequence)
			}
		}()
	}

	for i := range total {
		appendMessage(t, h, store, sess.ID, fmt.Sprint(i))
	}
	_, err := store.TransitionSession(ctx, sess.ID, model.SessionStatusCompleted)
	require.NoError(t, err)
	h.Terminate(ctx, sess.ID, model.SessionStatusCompleted)
	wg.Wait()

	want := make([]int64, total)
	for i := range want {
		want[i] = int64(i + 1)
	}
	for i, got := range results {
		assert.Equal(t, want, got, "subscriber %d saw a gap, duplicate or reordering", i)
	}
}

func TestReconnectFromLastSequence(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)
	for i := range 5 {
		appendMessage(t, h, store, sess.ID, fmt.Sprint(i))
	}

	first, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	next(t, first)
	next(t, first)
	resumeFrom := first.LastSequence()
	first.Close()
	assert.Equal(t, int64(2), resumeFrom)

	appendMessage(t, h, store, sess.ID, "while disconnected")

	second, err := h.Subscribe(ctx, sess.ID, resumeFrom)
	require.NoError(t, err)
	defer second.Close()
	for want := int64(3); want <= 6; want++ {
		assert.Equal(t, want, next(t, second).Sequence)
	}
}

func TestSlowConsumerIsDetached(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 2)
	sess := storetest.NewRunningSession(t, store)

	slow, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	goLive(t, slow)

	fast, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer fast.Close()
	goLive(t, fast)

	var fastSeen []int64
	for i := range 5 {
		appendMessage(t, h, store, sess.ID, fmt.Sprint(i))
		fastSeen = append(fastSeen, next(t, fast).Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, fastSeen, "a slow subscriber must not hold back others")

	assert.Equal(t, int64(1), next(t, slow).Sequence)
	assert.Equal(t, int64(2), next(t, slow).Sequence)
	_, err = slow.Next(ctx)
	assert.ErrorIs(t, err, ErrSlowConsumer)
	assert.Equal(t, int64(2), slow.LastSequence())
	assert.Equal(t, int64(1), h.Subscribers())
}

func TestSubscribeToEndedSession(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)
	appendMessage(t, h, store, sess.ID, "only")
	_, err := store.TransitionSession(ctx, sess.ID, model.SessionStatusCompleted)
	require.NoError(t, err)
	h.Terminate(ctx, sess.ID, model.SessionStatusCompleted)

	sub, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int64(1), next(t, sub).Sequence)
	term := next(t, sub)
	assert.Equal(t, model.ItemTerminal, term.Kind)
	assert.Equal(t, model.SessionStatusCompleted, term.Status)
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Zero(t, h.Topics())
}

func TestSubscribeUnknownSession(t *testing.T) {
	h, _ := newHub(t, 16)
	_, err := h.Subscribe(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, h.Topics())
}

func TestPublishFillsGapsFromStore(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)

	sub, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()
	goLive(t, sub)

	// Items 1 and 2 are committed by another instance whose announcements
	// have not arrived yet; item 3 is published locally.
	for i := range 2 {
		_, err := store.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: fmt.Sprint("remote-", i)})
		require.NoError(t, err)
	}
	appendMessage(t, h, store, sess.ID, "local")

	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, want, next(t, sub).Sequence)
	}

	// The late announcements are then ignored.
	h.CatchUp(ctx, sess.ID, 2)
	sub.mu.Lock()
	assert.Empty(t, sub.queue)
	sub.mu.Unlock()
}

func TestCloseUnsubscribes(t *testing.T) {
	ctx := context.Background()
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)

	sub, err := h.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	goLive(t, sub)
	assert.Equal(t, 1, h.Topics())

	h.Unsubscribe(sub)
	sub.Close()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrUnsubscribed)
	assert.Zero(t, h.Topics())
	assert.Zero(t, h.Subscribers())

	// Publishing to a session nobody watches is a no-op.
	appendMessage(t, h, store, sess.ID, "unobserved")
}

func TestNextHonoursContext(t *testing.T) {
	h, store := newHub(t, 16)
	sess := storetest.NewRunningSession(t, store)
	sub, err := h.Subscribe(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
