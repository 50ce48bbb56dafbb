package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *clock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = c.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, c
}

func allow(t *testing.T, m *MemoryLimiter, key string) bool {
	t.Helper()
	ok, err := m.Allow(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)
	for i := range 3 {
		assert.True(t, allow(t, m, "session:a"), "request %d is within burst", i)
	}
	assert.False(t, allow(t, m, "session:a"))
	assert.Greater(t, m.RetryAfter("session:a"), time.Duration(0))
}

func TestRefill(t *testing.T) {
	m, c := newLimiter(t, 2, 1)
	assert.True(t, allow(t, m, "k"))
	assert.False(t, allow(t, m, "k"))
	assert.Equal(t, 500*time.Millisecond, m.RetryAfter("k"))

	c.advance(500 * time.Millisecond)
	assert.True(t, allow(t, m, "k"))
}

func TestTokensCapAtBurst(t *testing.T) {
	m, c := newLimiter(t, 100, 2)
	assert.True(t, allow(t, m, "k"))
	c.advance(time.Hour)
	assert.True(t, allow(t, m, "k"))
	assert.True(t, allow(t, m, "k"))
	assert.False(t, allow(t, m, "k"), "an idle hour must not bank more than burst tokens")
}

func TestKeysAreIndependent(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	assert.True(t, allow(t, m, "session:a"))
	assert.False(t, allow(t, m, "session:a"))
	assert.True(t, allow(t, m, "session:b"))
	assert.Zero(t, m.RetryAfter("unknown"))
}

func TestEvictStale(t *testing.T) {
	m, c := newLimiter(t, 1, 1)
	allow(t, m, "old")
	c.advance(staleAfter + time.Second)
	allow(t, m, "recent")
	m.evictStale()
	assert.Equal(t, 1, m.Len())
}

func TestConcurrentAllowNeverExceedsBurst(t *testing.T) {
	m, _ := newLimiter(t, 0, 50)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "k"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
