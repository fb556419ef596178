package blobstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ContentStore for testing.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates a new in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

// Put stores data under its content address.
func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	addr := Address(data)

	copied := make([]byte, len(data))
	copy(copied, data)

	m.mu.Lock()
	m.blobs[addr] = copied
	m.mu.Unlock()
	return addr, nil
}

// Get fetches and verifies the blob at address.
func (m *MemoryStore) Get(_ context.Context, address string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[address]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	if err := Verify(address, copied); err != nil {
		return nil, err
	}
	return copied, nil
}

// Corrupt overwrites the stored bytes for address without changing the
// address. Only useful for exercising digest verification in tests.
func (m *MemoryStore) Corrupt(address string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[address]; ok {
		m.blobs[address] = data
	}
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
