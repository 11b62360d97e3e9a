package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore builds an in-process outbox Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = Pending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	cp := *rec
	s.records[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) leasableLocked(r *Record) bool {
	if r.Status == Pending {
		return true
	}
	if r.Status == Publishing && r.LeaseExpires != nil && s.now().After(*r.LeaseExpires) {
		return true
	}
	return false
}

func (s *MemoryStore) LeasePending(_ context.Context, partition string, batchSize int, leaseDuration time.Duration) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Record
	for _, r := range s.records {
		if partition != "" && r.Partition != partition {
			continue
		}
		if s.leasableLocked(r) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Partition != candidates[j].Partition {
			return candidates[i].Partition < candidates[j].Partition
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	leased := make([]*Record, 0, len(candidates))
	expiry := s.now().Add(leaseDuration)
	for _, r := range candidates {
		r.Status = Publishing
		r.LeaseExpires = &expiry
		cp := *r
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outbox: record %s not found", id)
	}
	r.Status = Published
	r.LeaseExpires = nil
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, cause error, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outbox: record %s not found", id)
	}
	r.Attempts++
	now := s.now()
	r.LastAttemptAt = &now
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.LeaseExpires = nil
	if r.Attempts < maxAttempts {
		r.Status = Pending
	} else {
		r.Status = Failed
	}
	return nil
}

func (s *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.records {
		if !s.leasableLocked(r) {
			continue
		}
		if _, ok := seen[r.Partition]; !ok {
			seen[r.Partition] = struct{}{}
			out = append(out, r.Partition)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Get returns a snapshot of the record by id, for tests.
func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}
