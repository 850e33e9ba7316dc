package engine

import "sync"

// ownerLocks serializes mutations per owner. Acquisition never blocks: a
// second writer for the same owner is rejected and told to retry, which keeps
// request latency bounded and matches the single-writer SQLite setup.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: map[string]*sync.Mutex{}}
}

func (l *ownerLocks) tryAcquire(ownerID string) (func(), bool) {
	l.mu.Lock()
	m, ok := l.locks[ownerID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ownerID] = m
	}
	l.mu.Unlock()
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
