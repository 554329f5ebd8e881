package cache

import (
	"context"
	"sync"
)

// MemoryStore is a Store shared by goroutines of a single process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	lock    chan struct{}
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		lock:    make(chan struct{}, 1),
	}
}

// Version implements Store.
func (m *MemoryStore) Version(ctx context.Context, key string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e.Version, ok, nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Publish implements Store.
func (m *MemoryStore) Publish(ctx context.Context, key string, payload []byte) (uint64, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e = Entry{Key: key, Version: e.Version + 1, Payload: buf}
	m.entries[key] = e
	return e.Version, nil
}

// Lock implements Store. It honors ctx while waiting.
func (m *MemoryStore) Lock(ctx context.Context) (func(), error) {
	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-m.lock }) }, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error {
	return nil
}
