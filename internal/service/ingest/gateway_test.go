package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// recorder captures publishes in call order.
type recorder struct {
	mu    sync.Mutex
	items []model.Item
}

func (r *recorder) Publish(_ context.Context, item model.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *recorder) sequences() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.items))
	for i, it := range r.items {
		out[i] = it.Sequence
	}
	return out
}

type fakeForwarder struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeForwarder) ForwardUserMessage(_ context.Context, _, _ uuid.UUID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, content)
	return f.err
}

func (f *fakeForwarder) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newGateway(t *testing.T, fwd Forwarder) (*Gateway, storage.Store, *recorder) {
	t.Helper()
	store := testutil.NewSQLite(t)
	rec := &recorder{}
	g := New(store, rec, fwd, NewLocks(), Config{MaxConcurrency: 8}, testutil.TestLogger())
	return g, store, rec
}

func event(sessionID uuid.UUID, id string) model.EventInput {
	return model.EventInput{SessionID: sessionID, AgentEventID: id, Phase: model.PhaseThinking, Message: "considering " + id}
}

func TestIngestEventAssignsSequencesAndPublishes(t *testing.T) {
	ctx := context.Background()
	g, store, rec := newGateway(t, nil)
	sess := storetest.NewRunningSession(t, store)

	r1, err := g.IngestEvent(ctx, event(sess.ID, "e1"))
	require.NoError(t, err)
	r2, err := g.IngestEvent(ctx, event(sess.ID, "e2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Sequence)
	assert.Equal(t, int64(2), r2.Sequence)
	assert.Equal(t, []int64{1, 2}, rec.sequences())
}

func TestDuplicateEventIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	g, store, rec := newGateway(t, nil)
	sess := storetest.NewRunningSession(t, store)

	first, err := g.IngestEvent(ctx, event(sess.ID, "abc"))
	require.NoError(t, err)
	second, err := g.IngestEvent(ctx, event(sess.ID, "abc"))
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, rec.sequences(), 1, "a duplicate must not be broadcast")

	items, err := store.ItemsAfter(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// A reused id with a different body keeps the first event.
	changed := event(sess.ID, "abc")
	changed.Message = "something else"
	third, err := g.IngestEvent(ctx, changed)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.Equal(t, first.Sequence, third.Sequence)
}

func TestIngestAfterCancelIsRejectedAndAudited(t *testing.T) {
	ctx := context.Background()
	g, store, rec := newGateway(t, nil)
	sess := storetest.NewRunningSession(t, store)

	_, err := g.IngestEvent(ctx, event(sess.ID, "e1"))
	require.NoError(t, err)
	_, err = store.TransitionSession(ctx, sess.ID, model.SessionStatusCancelled)
	require.NoError(t, err)

	_, err = g.IngestEvent(ctx, event(sess.ID, "e2"))
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	_, err = g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "too late"})
	assert.ErrorIs(t, err, model.ErrSessionClosed)

	items, err := store.ItemsAfter(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, []int64{1}, rec.sequences())

	late, err := store.LateArrivals(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, late, 2)
	assert.Equal(t, model.ItemEvent, late[0].Kind)
	assert.Equal(t, model.ItemMessage, late[1].Kind)
	assert.Equal(t, model.SessionStatusCancelled, late[0].SessionStatus)
	assert.True(t, late[0].RejectedLate)
	assert.Contains(t, string(late[0].Payload), `"agent_event_id":"e2"`)
}

func TestIngestRejectsBeforeStartAndUnknownSessions(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newGateway(t, nil)

	pending, err := store.CreateSession(ctx, model.CreateSessionRequest{Owner: "u1"})
	require.NoError(t, err)
	_, err = g.IngestEvent(ctx, event(pending.ID, "e1"))
	assert.ErrorIs(t, err, model.ErrSessionNotStarted)

	_, err = g.IngestEvent(ctx, event(uuid.New(), "e1"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	late, err := store.LateArrivals(ctx, pending.ID)
	require.NoError(t, err)
	assert.Empty(t, late)
}

func TestIngestValidates(t *testing.T) {
	g, _, _ := newGateway(t, nil)
	_, err := g.IngestEvent(context.Background(), model.EventInput{SessionID: uuid.New(), AgentEventID: "x", Phase: "dreaming"})
	assert.True(t, model.IsValidation(err))
	_, err = g.IngestMessage(context.Background(), model.MessageInput{SessionID: uuid.New(), Role: model.RoleUser})
	assert.True(t, model.IsValidation(err))
}

func TestMalformedTextIsRejectedBeforeStorage(t *testing.T) {
	ctx := context.Background()
	g, store, rec := newGateway(t, nil)
	sess := storetest.NewRunningSession(t, store)

	bad := []model.EventInput{
		{SessionID: sess.ID, AgentEventID: "a\xff", Phase: model.PhaseThinking},
		{SessionID: sess.ID, AgentEventID: "b", Phase: model.PhaseThinking, Title: "t\xff"},
		{SessionID: sess.ID, AgentEventID: "c", Phase: model.PhaseResult, Message: "nul\x00"},
		{SessionID: sess.ID, AgentEventID: "d", Phase: model.PhaseResult, Payload: []byte(`{"k":"\u0000"}`)},
	}
	for _, in := range bad {
		_, err := g.IngestEvent(ctx, in)
		assert.True(t, model.IsValidation(err), "agent_event_id %q: %v", in.AgentEventID, err)
	}
	_, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleUser, Content: "x\x00"})
	assert.True(t, model.IsValidation(err))

	items, err := store.ItemsAfter(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, rec.sequences())
}

func TestConcurrentIngestPublishesInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	g, store, rec := newGateway(t, nil)
	sess := storetest.NewRunningSession(t, store)

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := g.IngestEvent(ctx, event(sess.ID, fmt.Sprint("e", i)))
				assert.NoError(t, err)
				return
			}
			_, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: fmt.Sprint(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := rec.sequences()
	require.Len(t, got, n)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}
	assert.Zero(t, g.locks.Len())
}

func TestUserMessagesAreForwardedInOrder(t *testing.T) {
	ctx := context.Background()
	fwd := &fakeForwarder{}
	g, store, _ := newGateway(t, fwd)
	sess := storetest.NewRunningSession(t, store)

	for i := range 5 {
		_, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleUser, Content: fmt.Sprint("m", i)})
		require.NoError(t, err)
	}
	_, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "not forwarded"})
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, g.Drain(drainCtx))
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, fwd.delivered())
}

func TestForwardFailureRecordsDegradedEvent(t *testing.T) {
	ctx := context.Background()
	fwd := &fakeForwarder{err: errors.New("runtime unreachable")}
	g, store, rec := newGateway(t, fwd)
	sess := storetest.NewRunningSession(t, store)

	res, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleUser, Content: "hello agent"})
	require.NoError(t, err, "forwarding failure must not fail the append")

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, g.Drain(drainCtx))

	items, err := store.ItemsAfter(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, model.ItemMessage, items[0].Kind)
	assert.Equal(t, res.Sequence, items[0].Sequence)

	ev := items[1].Event
	require.NotNil(t, ev)
	assert.Equal(t, model.PhaseResult, ev.Phase)
	assert.True(t, strings.HasPrefix(ev.AgentEventID, ForwardFailedPrefix))
	assert.Equal(t, "message not delivered to agent", ev.Message)
	assert.Contains(t, string(ev.Payload), "runtime unreachable")
	assert.Equal(t, []int64{1, 2}, rec.sequences())
}

// hangingForwarder blocks until its context ends.
type hangingForwarder struct{}

func (hangingForwarder) ForwardUserMessage(ctx context.Context, _, _ uuid.UUID, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestForwardTimeoutBoundsDelivery(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLite(t)
	g := New(store, &recorder{}, hangingForwarder{}, NewLocks(), Config{ForwardTimeout: 50 * time.Millisecond}, testutil.TestLogger())
	sess := storetest.NewRunningSession(t, store)

	_, err := g.IngestMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleUser, Content: "anyone there?"})
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, g.Drain(drainCtx), "forwarding should give up after the configured timeout")

	items, err := store.ItemsAfter(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[1].Event)
	assert.True(t, strings.HasPrefix(items[1].Event.AgentEventID, ForwardFailedPrefix))
	assert.Contains(t, string(items[1].Event.Payload), "deadline exceeded")
}
