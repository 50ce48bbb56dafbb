package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/testutil"
)

type terminations struct {
	mu   sync.Mutex
	seen map[uuid.UUID]model.SessionStatus
}

func (t *terminations) Terminate(_ context.Context, id uuid.UUID, status model.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[uuid.UUID]model.SessionStatus)
	}
	t.seen[id] = status
}

func (t *terminations) status(id uuid.UUID) (model.SessionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.seen[id]
	return s, ok
}

func newService(t *testing.T) (*Service, storage.Store, *terminations) {
	t.Helper()
	store := testutil.NewSQLite(t)
	term := &terminations{}
	return New(store, term, testutil.TestLogger()), store, term
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _, term := newService(t)

	sess, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "viewer-1", Tier: "pro"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusPending, sess.Status)

	started, err := svc.Start(ctx, sess.ID, json.RawMessage(`{"lang":"en"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, started.Status)
	assert.JSONEq(t, `{"lang":"en"}`, string(started.Preferences))
	require.NotNil(t, started.StartedAt)

	// A second start is an idempotent no-op and keeps the first snapshot.
	again, err := svc.Start(ctx, sess.ID, json.RawMessage(`{"lang":"fr"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lang":"en"}`, string(again.Preferences))

	done, err := svc.Complete(ctx, sess.ID, model.CompleteSessionRequest{Outcome: model.SessionStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	status, ok := term.status(sess.ID)
	require.True(t, ok, "completion must end the broadcast topic")
	assert.Equal(t, model.SessionStatusCompleted, status)
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Create(context.Background(), model.CreateSessionRequest{})
	assert.True(t, model.IsValidation(err))
	_, err = svc.Complete(context.Background(), uuid.New(), model.CompleteSessionRequest{Outcome: model.SessionStatusCancelled})
	assert.True(t, model.IsValidation(err))
}

func TestCancelAfterCompleteConflicts(t *testing.T) {
	ctx := context.Background()
	svc, _, term := newService(t)
	sess, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, nil)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, sess.ID, model.CompleteSessionRequest{Outcome: model.SessionStatusErrored, Reason: "tool crashed"})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, sess.ID)
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.SessionStatusErrored, conflict.Current)

	status, _ := term.status(sess.ID)
	assert.Equal(t, model.SessionStatusErrored, status)
}

func TestCancelPendingSession(t *testing.T) {
	ctx := context.Background()
	svc, _, term := newService(t)
	sess, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, got.Status)
	_, ok := term.status(sess.ID)
	assert.True(t, ok)

	_, err = svc.Start(ctx, sess.ID, nil)
	var conflict *model.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestUnknownSession(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.LateArrivals(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSweepExpiresIdleAndPurgesOld(t *testing.T) {
	ctx := context.Background()
	svc, store, term := newService(t)

	pending, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	running, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, running.ID, nil)
	require.NoError(t, err)
	finished, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, finished.ID)
	require.NoError(t, err)

	w := NewSweeper(svc, SweeperConfig{IdleTimeout: 30 * time.Minute}, testutil.TestLogger())
	w.Sweep(ctx)
	got, err := store.GetSession(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, got.Status, "recent activity keeps a session alive")

	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.Sweep(ctx)
	for _, id := range []uuid.UUID{pending.ID, running.ID} {
		got, err := store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusErrored, got.Status)
		status, ok := term.status(id)
		assert.True(t, ok)
		assert.Equal(t, model.SessionStatusErrored, status)
	}
	got, err = store.GetSession(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, got.Status)

	w.cfg.Retention = 24 * time.Hour
	w.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	w.Sweep(ctx)
	for _, id := range []uuid.UUID{pending.ID, running.ID, finished.ID} {
		_, err := store.GetSession(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}
}

// activeAfterListStore records activity on every listed session right after
// the idle list is read, before the sweeper acts on it.
type activeAfterListStore struct {
	storage.Store
	t *testing.T
}

func (s activeAfterListStore) ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]model.Session, error) {
	idle, err := s.Store.ListIdleSessions(ctx, inactiveSince, limit)
	for _, sess := range idle {
		_, appendErr := s.Store.AppendMessage(ctx, model.MessageInput{
			SessionID: sess.ID, Role: model.RoleAssistant, Content: "still working",
		})
		require.NoError(s.t, appendErr)
	}
	return idle, err
}

func TestSweepSparesSessionActiveAfterListing(t *testing.T) {
	ctx := context.Background()
	base := testutil.NewSQLite(t)
	term := &terminations{}
	svc := New(activeAfterListStore{Store: base, t: t}, term, testutil.TestLogger())

	sess, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, nil)
	require.NoError(t, err)

	w := NewSweeper(svc, SweeperConfig{IdleTimeout: 10 * time.Millisecond}, testutil.TestLogger())
	time.Sleep(30 * time.Millisecond)
	w.Sweep(ctx)

	got, err := base.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, got.Status)
	assert.Equal(t, int64(1), got.LastSequence)
	_, terminated := term.status(sess.ID)
	assert.False(t, terminated)

	// Once quiet again it is expired.
	time.Sleep(30 * time.Millisecond)
	w2 := NewSweeper(New(base, term, testutil.TestLogger()), SweeperConfig{IdleTimeout: 10 * time.Millisecond}, testutil.TestLogger())
	w2.Sweep(ctx)
	got, err = base.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusErrored, got.Status)
	status, terminated := term.status(sess.ID)
	assert.True(t, terminated)
	assert.Equal(t, model.SessionStatusErrored, status)
}

func TestSweeperRunStops(t *testing.T) {
	svc, _, _ := newService(t)
	w := NewSweeper(svc, SweeperConfig{Interval: 5 * time.Millisecond, IdleTimeout: time.Minute}, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestTranscriptPaging(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	sess, err := svc.Create(ctx, model.CreateSessionRequest{Owner: "o"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, nil)
	require.NoError(t, err)
	for i := range 5 {
		_, err := store.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: string(rune('a' + i))})
		require.NoError(t, err)
	}

	first, err := svc.Transcript(ctx, sess.ID, 0, 3)
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.True(t, first.HasMore)
	assert.Equal(t, int64(3), first.Next)

	rest, err := svc.Transcript(ctx, sess.ID, first.Next, 3)
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, int64(5), rest.Next)

	empty, err := svc.Transcript(ctx, sess.ID, rest.Next, 3)
	require.NoError(t, err)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
	assert.Equal(t, int64(5), empty.Next)
}
