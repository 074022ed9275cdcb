// Package keylock provides mutual exclusion per string key. Entries are
// reference counted and dropped once nobody holds or waits for them, so the
// table only grows with the number of keys in flight.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	// sem is a one slot semaphore so waiters can give up on ctx
	sem  chan struct{}
	refs int
}

// Table is a lock table keyed by string
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{
		entries: make(map[string]*entry),
	}
}

func (t *Table) acquireRef(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) releaseRef(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and must be called exactly once.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	e := t.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.releaseRef(key, e)
		return nil, ctx.Err()
	}

	once := sync.Once{}
	return func() {
		once.Do(func() {
			<-e.sem
			t.releaseRef(key, e)
		})
	}, nil
}

// TryLock acquires key only if it is free
func (t *Table) TryLock(key string) (func(), bool) {
	e := t.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
	default:
		t.releaseRef(key, e)
		return nil, false
	}

	once := sync.Once{}
	return func() {
		once.Do(func() {
			<-e.sem
			t.releaseRef(key, e)
		})
	}, true
}

// Len returns the number of keys currently held or awaited
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
