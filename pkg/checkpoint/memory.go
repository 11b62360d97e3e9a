package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]int64
}

// NewMemoryStore builds an in-process checkpoint Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]int64)}
}

func (s *MemoryStore) Get(_ context.Context, projection string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[projection]
	return pos, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, projection string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[projection] = position
	return nil
}
