// Package storetest is a conformance suite run against every storage.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
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
)

// Run exercises s. Every subtest creates its own sessions, so s may be shared
// with other tests.
func Run(t *testing.T, s storage.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, s) })
	t.Run("StartSession", func(t *testing.T) { testStartSession(t, s) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, s) })
	t.Run("RacingTerminalTransitions", func(t *testing.T) { testRacingTerminalTransitions(t, s) })
	t.Run("AppendRequiresRunning", func(t *testing.T) { testAppendRequiresRunning(t, s) })
	t.Run("SequencesAreContiguous", func(t *testing.T) { testSequencesAreContiguous(t, s) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, s) })
	t.Run("DuplicateEvent", func(t *testing.T) { testDuplicateEvent(t, s) })
	t.Run("LateArrival", func(t *testing.T) { testLateArrival(t, s) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, s) })
	t.Run("ItemsAfterPaging", func(t *testing.T) { testItemsAfterPaging(t, s) })
	t.Run("IdleAndPurge", func(t *testing.T) { testIdleAndPurge(t, s) })
	t.Run("ExpireIdleSession", func(t *testing.T) { testExpireIdleSession(t, s) })
}

// NewRunningSession creates and starts a session.
func NewRunningSession(t *testing.T, s storage.Store) model.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "owner-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	sess, err = s.StartSession(ctx, sess.ID, nil)
	require.NoError(t, err)
	return sess
}

func event(sessionID uuid.UUID, agentEventID string) model.EventInput {
	return model.EventInput{
		SessionID:    sessionID,
		AgentEventID: agentEventID,
		Phase:        model.PhaseThinking,
		Title:        "step " + agentEventID,
		Payload:      json.RawMessage(`{"k":1}`),
	}
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.CreateSession(ctx, model.CreateSessionRequest{
		Owner:       "alice",
		Tier:        "pro",
		Preferences: json.RawMessage(`{"model":"large"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusPending, created.Status)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "pro", got.Tier)
	assert.Equal(t, model.SessionStatusPending, got.Status)
	assert.JSONEq(t, `{"model":"large"}`, string(got.Preferences))
	assert.JSONEq(t, `{}`, string(got.Metadata))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Zero(t, got.LastSequence)

	_, err = s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testStartSession(t *testing.T, s storage.Store) {
	ctx := context.Background()

	bare, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "bob"})
	require.NoError(t, err)
	started, err := s.StartSession(ctx, bare.ID, json.RawMessage(`{"temperature":0.2}`))
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.JSONEq(t, `{"temperature":0.2}`, string(started.Preferences))

	// Preferences recorded at creation are never overwritten.
	withPrefs, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "bob", Preferences: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	started, err = s.StartSession(ctx, withPrefs.ID, json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(started.Preferences))

	// Starting again is idempotent.
	again, err := s.StartSession(ctx, withPrefs.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, again.Status)
	assert.Equal(t, started.StartedAt.Unix(), again.StartedAt.Unix())

	_, err = s.StartSession(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testTransitions(t *testing.T, s storage.Store) {
	ctx := context.Background()

	tests := []struct {
		name    string
		path    []model.SessionStatus
		to      model.SessionStatus
		wantErr bool
	}{
		{"pending to running", nil, model.SessionStatusRunning, false},
		{"pending to cancelled", nil, model.SessionStatusCancelled, false},
		{"pending to errored", nil, model.SessionStatusErrored, false},
		{"pending to completed", nil, model.SessionStatusCompleted, true},
		{"running to completed", []model.SessionStatus{model.SessionStatusRunning}, model.SessionStatusCompleted, false},
		{"running to pending", []model.SessionStatus{model.SessionStatusRunning}, model.SessionStatusPending, true},
		{"completed to running", []model.SessionStatus{model.SessionStatusRunning, model.SessionStatusCompleted}, model.SessionStatusRunning, true},
		{"cancelled to errored", []model.SessionStatus{model.SessionStatusCancelled}, model.SessionStatusErrored, true},
		{"cancelled to cancelled", []model.SessionStatus{model.SessionStatusCancelled}, model.SessionStatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "carol"})
			require.NoError(t, err)
			for _, step := range tt.path {
				_, err := s.TransitionSession(ctx, sess.ID, step)
				require.NoError(t, err)
			}
			before, err := s.GetSession(ctx, sess.ID)
			require.NoError(t, err)

			got, err := s.TransitionSession(ctx, sess.ID, tt.to)
			if tt.wantErr {
				var conflict *model.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, before.Status, conflict.Current)
				assert.Equal(t, tt.to, conflict.Requested)

				after, err := s.GetSession(ctx, sess.ID)
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status, "refused transition must not change status")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.Status)
			if tt.to.Terminal() {
				assert.NotNil(t, got.CompletedAt)
			}
		})
	}

	_, err := s.TransitionSession(ctx, uuid.New(), model.SessionStatusCancelled)
	assert.ErrorIs(t, err, model.ErrNotFound)

	sess, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "carol"})
	require.NoError(t, err)
	_, err = s.TransitionSession(ctx, sess.ID, model.SessionStatus("paused"))
	assert.True(t, model.IsValidation(err))
}

func testRacingTerminalTransitions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)

	targets := []model.SessionStatus{
		model.SessionStatusCompleted, model.SessionStatusCancelled, model.SessionStatusErrored,
		model.SessionStatusCompleted, model.SessionStatusCancelled, model.SessionStatusErrored,
	}
	type outcome struct {
		to     model.SessionStatus
		status model.SessionStatus
		err    error
	}
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.TransitionSession(ctx, sess.ID, to)
			results[i] = outcome{to: to, status: got.Status, err: err}
		}()
	}
	wg.Wait()

	final, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())

	for _, r := range results {
		if r.to == final.Status {
			assert.NoError(t, r.err, "same-target request should succeed")
			assert.Equal(t, final.Status, r.status)
			continue
		}
		var conflict *model.ConflictError
		require.ErrorAs(t, r.err, &conflict)
		assert.Equal(t, final.Status, conflict.Current, "loser must be told the committed status")
	}
}

func testAppendRequiresRunning(t *testing.T, s storage.Store) {
	ctx := context.Background()

	pending, err := s.CreateSession(ctx, model.CreateSessionRequest{Owner: "dave"})
	require.NoError(t, err)
	_, _, err = s.AppendEvent(ctx, event(pending.ID, "e1"))
	assert.ErrorIs(t, err, model.ErrSessionNotStarted)

	_, err = s.AppendMessage(ctx, model.MessageInput{SessionID: uuid.New(), Role: model.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	sess := NewRunningSession(t, s)
	_, err = s.TransitionSession(ctx, sess.ID, model.SessionStatusCancelled)
	require.NoError(t, err)
	_, _, err = s.AppendEvent(ctx, event(sess.ID, "e1"))
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	_, err = s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "late"})
	assert.ErrorIs(t, err, model.ErrSessionClosed)

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, after.LastSequence, "refused appends must not consume sequences")
}

func testSequencesAreContiguous(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)

	m1, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleUser, Content: "hello"})
	require.NoError(t, err)
	e1, dup, err := s.AppendEvent(ctx, event(sess.ID, "e1"))
	require.NoError(t, err)
	require.False(t, dup)
	a1, err := s.AppendArtifact(ctx, model.ArtifactInput{SessionID: sess.ID, EventID: e1.ID, StorageRef: "s3://b/k", ContentType: "image/png"})
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "done"})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4}, []int64{m1.Sequence, e1.Sequence, a1.Sequence, m2.Sequence})

	items, err := s.ItemsAfter(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	kinds := make([]model.ItemKind, len(items))
	for i, it := range items {
		assert.Equal(t, int64(i+1), it.Sequence)
		kinds[i] = it.Kind
	}
	assert.Equal(t, []model.ItemKind{model.ItemMessage, model.ItemEvent, model.ItemArtifact, model.ItemMessage}, kinds)
	assert.JSONEq(t, `{"k":1}`, string(items[1].Event.Payload))
	assert.Equal(t, e1.ID, items[2].Artifact.EventID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.LastSequence)
}

func testConcurrentAppends(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)

	const n = 24
	seqs := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				ev, _, err := s.AppendEvent(ctx, event(sess.ID, fmt.Sprintf("c-%d", i)))
				errs <- err
				seqs <- ev.Sequence
				return
			}
			msg, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: fmt.Sprint(i)})
			errs <- err
			seqs <- msg.Sequence
		}()
	}
	wg.Wait()
	close(seqs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func testDuplicateEvent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)

	first, dup, err := s.AppendEvent(ctx, event(sess.ID, "dup-1"))
	require.NoError(t, err)
	require.False(t, dup)

	retry := event(sess.ID, "dup-1")
	retry.Title = "changed content"
	second, dup, err := s.AppendEvent(ctx, retry)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, first.Title, second.Title, "duplicate must return the stored event")
	assert.NotEqual(t, retry.ContentHash(), second.ContentHash)

	next, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, first.Sequence+1, next.Sequence, "duplicate must not consume a sequence")

	items, err := s.ItemsAfter(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func testLateArrival(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)
	_, _, err := s.AppendEvent(ctx, event(sess.ID, "before"))
	require.NoError(t, err)
	_, err = s.TransitionSession(ctx, sess.ID, model.SessionStatusCancelled)
	require.NoError(t, err)

	_, _, err = s.AppendEvent(ctx, event(sess.ID, "after"))
	require.ErrorIs(t, err, model.ErrSessionClosed)
	require.NoError(t, s.RecordLateArrival(ctx, model.LateArrival{
		SessionID:     sess.ID,
		Kind:          model.ItemEvent,
		Payload:       json.RawMessage(`{"agent_event_id":"after"}`),
		SessionStatus: model.SessionStatusCancelled,
		RejectedLate:  true,
	}))

	late, err := s.LateArrivals(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.True(t, late[0].RejectedLate)
	assert.Equal(t, model.SessionStatusCancelled, late[0].SessionStatus)
	assert.JSONEq(t, `{"agent_event_id":"after"}`, string(late[0].Payload))

	items, err := s.ItemsAfter(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "late arrivals never enter the transcript")
}

func testArtifacts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)
	ev, _, err := s.AppendEvent(ctx, event(sess.ID, "tool-1"))
	require.NoError(t, err)

	byAgentID, err := s.AppendArtifact(ctx, model.ArtifactInput{
		SessionID: sess.ID, AgentEventID: "tool-1", StorageRef: "s3://bucket/a.png", ContentType: "image/png", Caption: "chart",
	})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, byAgentID.EventID)
	assert.Equal(t, "chart", byAgentID.Caption)

	_, err = s.AppendArtifact(ctx, model.ArtifactInput{
		SessionID: sess.ID, AgentEventID: "missing", StorageRef: "s3://bucket/b.png", ContentType: "image/png",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// An event of another session is not resolvable.
	other := NewRunningSession(t, s)
	_, err = s.AppendArtifact(ctx, model.ArtifactInput{
		SessionID: other.ID, EventID: ev.ID, StorageRef: "s3://bucket/c.png", ContentType: "image/png",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	resolved, err := s.ResolveEvent(ctx, sess.ID, ev.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "tool-1", resolved.AgentEventID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LastSequence, "failed registration must not consume a sequence")
}

func testItemsAfterPaging(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)
	for i := range 7 {
		if i%3 == 0 {
			_, _, err := s.AppendEvent(ctx, event(sess.ID, fmt.Sprintf("p-%d", i)))
			require.NoError(t, err)
			continue
		}
		_, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	var seqs []int64
	after := int64(0)
	for {
		page, err := s.ItemsAfter(ctx, sess.ID, after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 3)
		for _, it := range page {
			seqs = append(seqs, it.Sequence)
		}
		after = page[len(page)-1].Sequence
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, seqs)

	empty, err := s.ItemsAfter(ctx, uuid.New(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testIdleAndPurge(t *testing.T, s storage.Store) {
	ctx := context.Background()

	running := NewRunningSession(t, s)
	done := NewRunningSession(t, s)
	_, _, err := s.AppendEvent(ctx, event(done.ID, "x"))
	require.NoError(t, err)
	_, err = s.TransitionSession(ctx, done.ID, model.SessionStatusCompleted)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	idle, err := s.ListIdleSessions(ctx, future, 10_000)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool)
	for _, sess := range idle {
		ids[sess.ID] = true
		assert.False(t, sess.Status.Terminal())
	}
	assert.True(t, ids[running.ID])
	assert.False(t, ids[done.ID])

	past := time.Now().Add(-time.Hour)
	idle, err = s.ListIdleSessions(ctx, past, 10_000)
	require.NoError(t, err)
	for _, sess := range idle {
		assert.NotEqual(t, running.ID, sess.ID, "recently active session reported idle")
	}

	n, err := s.PurgeSessions(ctx, past)
	require.NoError(t, err)
	_, err = s.GetSession(ctx, done.ID)
	require.NoError(t, err, "purge must keep sessions completed after the cutoff")
	_ = n

	n, err = s.PurgeSessions(ctx, future)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = s.GetSession(ctx, done.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	items, err := s.ItemsAfter(ctx, done.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, items, "purge removes the transcript")

	_, err = s.GetSession(ctx, running.ID)
	require.NoError(t, err, "purge never touches live sessions")
}

func testExpireIdleSession(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := NewRunningSession(t, s)

	// Activity after the cutoff keeps the session open.
	cutoff := time.Now().Add(-time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, err := s.AppendMessage(ctx, model.MessageInput{SessionID: sess.ID, Role: model.RoleAssistant, Content: "hi"})
	require.NoError(t, err)
	_, expired, err := s.ExpireIdleSession(ctx, sess.ID, cutoff)
	require.NoError(t, err)
	assert.False(t, expired)
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRunning, got.Status)

	ended, expired, err := s.ExpireIdleSession(ctx, sess.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, expired)
	assert.Equal(t, model.SessionStatusErrored, ended.Status)
	assert.NotNil(t, ended.CompletedAt)

	// Already ended: no-op.
	_, expired, err = s.ExpireIdleSession(ctx, sess.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	_, expired, err = s.ExpireIdleSession(ctx, uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}
