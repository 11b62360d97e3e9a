package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/outbox"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore builds an in-process dead-letter Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

func (s *MemoryStore) Enqueue(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = s.now()
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = rec.FirstSeen
	}
	cp := *rec
	s.records[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) EnqueueFailed(ctx context.Context, rec *outbox.Record, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return s.Enqueue(ctx, &Record{
		MessageID:   rec.MessageID,
		MessageType: rec.MessageType,
		Payload:     rec.Payload,
		LastError:   msg,
		Attempts:    rec.Attempts,
	})
}

func (s *MemoryStore) List(_ context.Context, filter Filter, page Page) ([]*Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Record
	for _, r := range s.records {
		if filter.MessageType != "" && r.MessageType != filter.MessageType {
			continue
		}
		if !filter.Since.IsZero() && r.FirstSeen.Before(filter.Since) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FirstSeen.Before(matched[j].FirstSeen) })

	total := len(matched)
	if page.Limit <= 0 {
		return matched[min(page.Offset, total):], total, nil
	}
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)
	return matched[start:end], total, nil
}

func (s *MemoryStore) Replay(ctx context.Context, id string, pub Republisher) error {
	s.mu.Lock()
	r, ok := s.records[id]
	var cp Record
	if ok {
		cp = *r
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("dlq: record %s not found", id)
	}
	return pub.PublishBytes(ctx, cp.MessageType, cp.Payload, cp.MessageID, "")
}

func (s *MemoryStore) Purge(_ context.Context, id string, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		delete(s.records, id)
		return nil
	}
	for key, r := range s.records {
		if r.FirstSeen.Before(olderThan) {
			delete(s.records, key)
		}
	}
	return nil
}
