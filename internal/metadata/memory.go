package metadata

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, objectKey, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[objectKey] = Record{
		ObjectKey: objectKey,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, objectKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[objectKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}
