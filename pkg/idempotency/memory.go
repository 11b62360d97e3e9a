package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

type record struct {
	processed bool
	inFlight  bool
	result    []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*record
}

// MemoryStore is a sharded in-process Store. Each shard has its own mutex so
// concurrent dispatch across unrelated message ids rarely contends; the
// shard is picked by hash(id) mod N to spread contention evenly.
type MemoryStore struct {
	shards []*shard
	ttl    time.Duration
	now    func() time.Time
}

// MemoryOption configures a MemoryStore at construction.
type MemoryOption func(*MemoryStore)

// WithShardCount overrides the default shard count (16).
func WithShardCount(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, n)
			for i := range s.shards {
				s.shards[i] = &shard{entries: make(map[string]*record)}
			}
		}
	}
}

// WithTTL overrides the default 24h record TTL.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// NewMemoryStore builds an in-process idempotency store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.shards == nil {
		s.shards = make([]*shard, DefaultShardCount)
		for i := range s.shards {
			s.shards[i] = &shard{entries: make(map[string]*record)}
		}
	}
	return s
}

func (s *MemoryStore) shardFor(messageID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (s *MemoryStore) HasProcessed(_ context.Context, messageID string) (bool, error) {
	sh := s.shardFor(messageID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := s.liveLocked(sh, messageID)
	return ok && r.processed, nil
}

// liveLocked returns the record for id if present and not expired, lazily
// evicting it otherwise (lazy eviction).
func (s *MemoryStore) liveLocked(sh *shard, messageID string) (*record, bool) {
	r, ok := sh.entries[messageID]
	if !ok {
		return nil, false
	}
	if r.processed && !r.expiresAt.IsZero() && s.now().After(r.expiresAt) {
		delete(sh.entries, messageID)
		return nil, false
	}
	return r, true
}

func (s *MemoryStore) TryBeginProcess(_ context.Context, messageID string) (Status, error) {
	sh := s.shardFor(messageID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, ok := s.liveLocked(sh, messageID); ok {
		if r.processed {
			return Duplicate, nil
		}
		if r.inFlight {
			return InProgress, nil
		}
	}
	sh.entries[messageID] = &record{inFlight: true}
	return New, nil
}

func (s *MemoryStore) Complete(_ context.Context, messageID string, result []byte) error {
	sh := s.shardFor(messageID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.entries[messageID]
	if !ok || !r.processed {
		sh.entries[messageID] = &record{
			processed: true,
			result:    result,
			expiresAt: s.now().Add(s.ttl),
		}
	}
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, messageID string, result []byte) error {
	sh := s.shardFor(messageID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, ok := s.liveLocked(sh, messageID); ok && r.processed {
		// first write wins; second write with the same id is a no-op.
		return nil
	}
	sh.entries[messageID] = &record{
		processed: true,
		result:    result,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) GetCached(_ context.Context, messageID string) ([]byte, bool, error) {
	sh := s.shardFor(messageID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := s.liveLocked(sh, messageID)
	if !ok || !r.processed {
		return nil, false, nil
	}
	return r.result, true, nil
}

// Sweep evicts all expired entries across every shard; callers run it
// periodically as the eviction path, since lazy-on-read eviction alone
// leaves cold entries resident until their id is looked up again.
func (s *MemoryStore) Sweep() (evicted int) {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, r := range sh.entries {
			if r.processed && !r.expiresAt.IsZero() && now.After(r.expiresAt) {
				delete(sh.entries, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}
