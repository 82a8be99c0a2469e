// Package pathlock provides per-key mutual exclusion for keys that are not
// known in advance, such as filesystem paths or mailbox paths.
package pathlock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out one exclusive lock per distinct key. Entries are
// created on first use and dropped once no goroutine holds or waits for
// them, so the table does not grow with the number of keys ever seen.
//
// Locks are not reentrant: a goroutine that locks a key it already holds
// deadlocks.
type Manager[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New returns an empty lock manager.
func New[K comparable]() *Manager[K] {
	return &Manager[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the caller holds the lock for key.
func (m *Manager[K]) Lock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. It panics if key is not locked.
func (m *Manager[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("pathlock: unlock of unlocked key")
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding the lock for key. The lock is released
// when fn returns or panics.
func (m *Manager[K]) WithLock(key K, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (m *Manager[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WithLocks runs fn while holding the locks for all keys. Keys are locked
// in the order given by less, so two callers locking overlapping key sets
// cannot deadlock. Duplicate keys are locked once.
func WithLocks[K comparable](m *Manager[K], keys []K, less func(a, b K) bool, fn func() error) error {
	sorted := make([]K, 0, len(keys))
	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	for i, k := range sorted {
		m.Lock(k)
		defer m.Unlock(sorted[i])
	}
	return fn()
}
