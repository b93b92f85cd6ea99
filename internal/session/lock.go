package session

import (
	"context"
	"sync"
)

// Lock provides per-session mutual exclusion with FIFO hand-off.
//
// At most one holder exists per id. Waiters queue in arrival order and the
// releasing holder hands ownership directly to the head of the queue.
// Clear force-resolves every waiter at shutdown: they return normally with
// a no-op release.
type Lock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	waiters []*waiter
}

type waiter struct {
	ch      chan struct{}
	cleared bool
}

// NewLock creates an empty lock table.
func NewLock() *Lock {
	return &Lock{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the caller holds id's lock or ctx is done.
// The returned release func is idempotent and must be called on every exit path.
func (l *Lock) Acquire(ctx context.Context, id string) (release func(), err error) {
	l.mu.Lock()
	e, held := l.entries[id]
	if !held {
		e = &lockEntry{}
		l.entries[id] = e
		l.mu.Unlock()
		return l.releaser(id, e), nil
	}
	w := &waiter{ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ch:
		if w.cleared {
			return func() {}, nil
		}
		return l.releaser(id, e), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-w.ch:
		// Ownership arrived concurrently with cancellation; pass it on.
		l.mu.Unlock()
		if !w.cleared {
			l.releaser(id, e)()
		}
		return nil, ctx.Err()
	default:
	}
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	return nil, ctx.Err()
}

func (l *Lock) releaser(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.handOff(id, e) })
	}
}

func (l *Lock) handOff(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.entries[id]; !ok || cur != e {
		return
	}
	if len(e.waiters) == 0 {
		delete(l.entries, id)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next.ch)
}

// Held reports whether id is currently locked.
func (l *Lock) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Waiting returns the number of queued waiters for id.
func (l *Lock) Waiting(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return len(e.waiters)
	}
	return 0
}

// Clear resolves every waiter and forgets all holders. Shutdown only.
// It returns the number of waiters released.
func (l *Lock) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for _, e := range l.entries {
		for _, w := range e.waiters {
			w.cleared = true
			close(w.ch)
			released++
		}
		e.waiters = nil
	}
	l.entries = make(map[string]*lockEntry)
	return released
}
