package ledger

import (
	"context"
	"sync"
)

// unitLocks serializes mutations per unit ID. Entries are reference counted
// and removed when the last holder or waiter leaves, so the table only holds
// units with work in flight. Different IDs never contend.
type unitLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newUnitLocks() *unitLocks {
	return &unitLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// release func must be called exactly once.
func (l *unitLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.leave(id, e)
		}, nil
	case <-ctx.Done():
		l.leave(id, e)
		return nil, ctx.Err()
	}
}

func (l *unitLocks) leave(id string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
	l.mu.Unlock()
}

// size returns the number of IDs with holders or waiters.
func (l *unitLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
