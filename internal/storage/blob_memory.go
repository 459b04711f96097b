package storage

import (
	"context"
	"sync"
)

// MemoryBlobStore keeps objects in memory (development/testing use).
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		objects: make(map[string][]byte),
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, path string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[path]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

// Count returns the number of stored objects.
func (s *MemoryBlobStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ BlobStore = (*MemoryBlobStore)(nil)
