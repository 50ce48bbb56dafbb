package hibiki

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/testutil"
)

type recordingHook struct {
	mu    sync.Mutex
	items []Item
	done  chan struct{}
}

func (h *recordingHook) OnItem(_ context.Context, item Item) error {
	h.mu.Lock()
	h.items = append(h.items, item)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

func TestHookPublisherDeliversTranscriptItems(t *testing.T) {
	store := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	hook := &recordingHook{done: make(chan struct{}, 4)}
	pub := &hookPublisher{hub: hub.New(store, logger, 16), hooks: []ItemHook{hook}, logger: logger}

	sid := uuid.New()
	ev := &model.Event{ID: uuid.New(), SessionID: sid, AgentEventID: "a", Phase: model.PhaseThinking, Sequence: 1}
	pub.Publish(context.Background(), model.EventItem(*ev))
	pub.Publish(context.Background(), model.TerminalItem(sid, model.SessionStatusCompleted))

	select {
	case <-hook.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
	// The terminal marker never reaches hooks.
	select {
	case <-hook.done:
		t.Fatal("hook called for terminal item")
	case <-time.After(50 * time.Millisecond):
	}

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.items, 1)
	got := hook.items[0]
	assert.Equal(t, ItemEvent, got.Kind)
	assert.Equal(t, int64(1), got.Sequence)
	require.NotNil(t, got.Event)
	assert.Equal(t, "thinking", got.Event.Phase)
}

func TestToPublicItem(t *testing.T) {
	sid := uuid.New()
	msg := model.MessageItem(model.Message{ID: uuid.New(), SessionID: sid, Role: model.RoleUser, Content: "hi", Sequence: 3})
	out, ok := toPublicItem(msg)
	require.True(t, ok)
	assert.Equal(t, ItemMessage, out.Kind)
	assert.Equal(t, "user", out.Message.Role)
	assert.Nil(t, out.Event)

	art := model.ArtifactItem(model.Artifact{ID: uuid.New(), SessionID: sid, StorageRef: "s3://x", ContentType: "image/png", Sequence: 4})
	out, ok = toPublicItem(art)
	require.True(t, ok)
	assert.Equal(t, "s3://x", out.Artifact.StorageRef)
}

func TestNewAndShutdownWithSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hibiki.db")
	opts := []Option{
		WithStorage("sqlite"),
		WithSQLitePath(path),
		WithPort(18080),
		WithLogger(testutil.TestLogger()),
		WithVersion("test"),
	}
	require.NoError(t, Migrate(context.Background(), opts...))

	app, err := New(opts...)
	require.NoError(t, err)
	assert.Equal(t, "test", app.version)
	assert.Nil(t, app.relay)
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestNewRejectsBadStorage(t *testing.T) {
	_, err := New(WithStorage("mongo"), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIBIKI_STORAGE")
}
