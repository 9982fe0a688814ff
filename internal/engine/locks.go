package engine

import "sync"

// milestoneLocks serializes evaluations per milestone so two concurrent
// requests for the same milestone cannot each materialize a decision.
// Entries are reference-counted and dropped once the last holder releases.
type milestoneLocks struct {
	mu    sync.Mutex
	locks map[string]*milestoneLock
}

type milestoneLock struct {
	mu   sync.Mutex
	refs int
}

func newMilestoneLocks() *milestoneLocks {
	return &milestoneLocks{locks: make(map[string]*milestoneLock)}
}

func (l *milestoneLocks) acquire(milestoneID string) (release func()) {
	if l == nil {
		return func() {}
	}
	l.mu.Lock()
	entry, ok := l.locks[milestoneID]
	if !ok {
		entry = &milestoneLock{}
		l.locks[milestoneID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, milestoneID)
		}
		l.mu.Unlock()
	}
}
