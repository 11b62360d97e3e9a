package flow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests, grounded on the same mutex-guarded-map shape as
// pkg/eventstore.MemoryStore and pkg/dlq.MemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	flows   map[string]FlowSnapshot
	waits   map[string]WaitCondition // key: flowID + "/" + stepPath
	forEach map[string]ForEachProgress
}

// NewMemoryStore builds an in-process flow Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:   make(map[string]FlowSnapshot),
		waits:   make(map[string]WaitCondition),
		forEach: make(map[string]ForEachProgress),
	}
}

func waitKey(flowID, stepPath string) string { return flowID + "/" + stepPath }

func (s *MemoryStore) Create(_ context.Context, snap FlowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[snap.FlowID]; exists {
		return errConcurrencyConflict(snap.FlowID, 0, -1)
	}
	s.flows[snap.FlowID] = snap
	return nil
}

func (s *MemoryStore) Get(_ context.Context, flowID string) (FlowSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.flows[flowID]
	return snap, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, snap FlowSnapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.flows[snap.FlowID]
	if !ok {
		return errNotFound(snap.FlowID)
	}
	if current.Version != expectedVersion {
		return errConcurrencyConflict(snap.FlowID, expectedVersion, current.Version)
	}
	snap.Version = expectedVersion + 1
	s.flows[snap.FlowID] = snap
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowID)
	return nil
}

func (s *MemoryStore) SetWaitCondition(_ context.Context, w WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[waitKey(w.FlowID, w.StepPath)] = w
	return nil
}

func (s *MemoryStore) GetWaitCondition(_ context.Context, flowID, stepPath string) (WaitCondition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waits[waitKey(flowID, stepPath)]
	return w, ok, nil
}

func (s *MemoryStore) UpdateWaitCondition(_ context.Context, w WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[waitKey(w.FlowID, w.StepPath)] = w
	return nil
}

func (s *MemoryStore) ClearWaitCondition(_ context.Context, flowID, stepPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waits, waitKey(flowID, stepPath))
	return nil
}

func (s *MemoryStore) GetTimedOutWaitConditions(_ context.Context, now time.Time) ([]WaitCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WaitCondition
	for _, w := range s.waits {
		if w.TimedOut(now) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveForEachProgress(_ context.Context, p ForEachProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forEach[waitKey(p.FlowID, p.StepPath)] = p
	return nil
}

func (s *MemoryStore) GetForEachProgress(_ context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.forEach[waitKey(flowID, stepPath)]
	return p, ok, nil
}

func (s *MemoryStore) ClearForEachProgress(_ context.Context, flowID, stepPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forEach, waitKey(flowID, stepPath))
	return nil
}

func (s *MemoryStore) ListNonTerminal(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, snap := range s.flows {
		if !snap.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
