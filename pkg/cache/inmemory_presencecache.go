package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryPresenceStore is a thread-safe, in-memory implementation of PresenceStore.
// It is the default backing for a single process.
type InMemoryPresenceStore[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemoryPresenceStore creates a new in-memory presence store.
func NewInMemoryPresenceStore[K comparable, V any]() *InMemoryPresenceStore[K, V] {
	return &InMemoryPresenceStore[K, V]{
		data: make(map[K]V),
	}
}

// Set stores a value for a key.
func (s *InMemoryPresenceStore[K, V]) Set(_ context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Fetch retrieves a value by its key.
func (s *InMemoryPresenceStore[K, V]) Fetch(_ context.Context, key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	return value, nil
}

// Delete removes a key.
func (s *InMemoryPresenceStore[K, V]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys, expired or not.
func (s *InMemoryPresenceStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryPresenceStore[K, V]) Close() error {
	return nil
}
