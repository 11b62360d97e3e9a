package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string][]StoredEvent
	snapshots map[string]Snapshot
	now       func() time.Time
}

// NewMemoryStore builds an in-process event Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]StoredEvent),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, streamID string, expectedVersion int64, events []NewEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.streams[streamID]
	current := int64(len(existing))

	switch expectedVersion {
	case ExpectAny:
	case ExpectNoStream:
		if current != 0 {
			return current, errConcurrencyConflict(streamID, expectedVersion, current)
		}
	default:
		if expectedVersion != current {
			return current, errConcurrencyConflict(streamID, expectedVersion, current)
		}
	}

	appended := make([]StoredEvent, 0, len(events))
	for _, e := range events {
		current++
		appended = append(appended, StoredEvent{
			StreamID:      streamID,
			Version:       current,
			EventType:     e.EventType,
			Payload:       e.Payload,
			MessageID:     e.MessageID,
			CorrelationID: e.CorrelationID,
			RecordedAt:    s.now(),
		})
	}
	s.streams[streamID] = append(existing, appended...)
	return current, nil
}

func (s *MemoryStore) Read(_ context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.streams[streamID]
	out := make([]StoredEvent, 0, len(all))
	for _, e := range all {
		if fromVersion != 0 && e.Version < fromVersion {
			continue
		}
		if toVersion != 0 && e.Version > toVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, streamID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[streamID]
	return snap, ok, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, streamID string, state []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(state))
	copy(cp, state)
	s.snapshots[streamID] = Snapshot{StreamID: streamID, State: cp, Version: version}
	return nil
}
