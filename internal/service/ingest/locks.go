package ingest

import (
	"sync"

	"github.com/google/uuid"
)

// Locks is an arena of per-session mutexes. An entry lives only while some
// goroutine holds or waits for it, so the arena stays as small as the set of
// sessions with in-flight ingestion.
type Locks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty arena.
func NewLocks() *Locks {
	return &Locks{locks: make(map[uuid.UUID]*sessionLock)}
}

// Lock blocks until the session's lock is held and returns its release func.
func (a *Locks) Lock(sessionID uuid.UUID) (unlock func()) {
	a.mu.Lock()
	l := a.locks[sessionID]
	if l == nil {
		l = &sessionLock{}
		a.locks[sessionID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, sessionID)
		}
		a.mu.Unlock()
	}
}

// Len returns the number of sessions with a held or awaited lock.
func (a *Locks) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
