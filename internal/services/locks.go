package services

import "sync"

// NameLocks serializes work on one peer name across the reconciler and the
// statistics loop. Entries are dropped once nobody holds or waits on them.
type NameLocks struct {
	mu    sync.Mutex
	names map[string]*nameLock
}

type nameLock struct {
	sync.Mutex
	refs int
}

func NewNameLocks() *NameLocks {
	return &NameLocks{names: make(map[string]*nameLock)}
}

// Lock blocks until name is free and returns the matching unlock func.
func (l *NameLocks) Lock(name string) func() {
	l.mu.Lock()
	nl, ok := l.names[name]
	if !ok {
		nl = &nameLock{}
		l.names[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.Lock()
	return func() {
		nl.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.names, name)
		}
		l.mu.Unlock()
	}
}

func (l *NameLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}
