package store

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// TypedStore is a generic, concurrency-safe, in-memory key-value store.
// Values are returned in insertion order, so listings stay stable between
// calls. It tracks when data was last modified for staleness detection.
type TypedStore[T any] struct {
	mu          sync.RWMutex
	items       map[string]T
	order       []string
	lastUpdated atomic.Int64 // UnixMilli timestamp of last Set/Update/Delete
}

// NewTypedStore creates a new, empty TypedStore.
func NewTypedStore[T any]() *TypedStore[T] {
	s := &TypedStore[T]{
		items: make(map[string]T),
	}
	s.touch()
	return s
}

func (s *TypedStore[T]) touch() {
	s.lastUpdated.Store(time.Now().UnixMilli())
}

// setLocked stores value; the caller holds s.mu for writing.
func (s *TypedStore[T]) setLocked(key string, value T) {
	if _, ok := s.items[key]; !ok {
		s.order = append(s.order, key)
	}
	s.items[key] = value
}

// Set inserts or updates a value for the given key.
func (s *TypedStore[T]) Set(key string, value T) {
	s.mu.Lock()
	s.setLocked(key, value)
	s.mu.Unlock()
	s.touch()
}

// Update replaces the value under key with fn's result while holding the
// write lock. fn receives the current value and whether it exists.
func (s *TypedStore[T]) Update(key string, fn func(cur T, ok bool) T) T {
	s.mu.Lock()
	cur, ok := s.items[key]
	next := fn(cur, ok)
	s.setLocked(key, next)
	s.mu.Unlock()
	s.touch()
	return next
}

// Delete removes a key from the store. No-op if the key doesn't exist.
func (s *TypedStore[T]) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	}
	s.mu.Unlock()
	s.touch()
}

// LastUpdated returns the UnixMilli timestamp of the last modification.
func (s *TypedStore[T]) LastUpdated() int64 {
	return s.lastUpdated.Load()
}

// Get retrieves a value by key. Returns the value and true if found,
// or the zero value and false if not.
func (s *TypedStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Len returns the number of items in the store.
func (s *TypedStore[T]) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Values returns all values in insertion order.
func (s *TypedStore[T]) Values() []T {
	s.mu.RLock()
	vals := make([]T, 0, len(s.order))
	for _, k := range s.order {
		vals = append(vals, s.items[k])
	}
	s.mu.RUnlock()
	return vals
}
