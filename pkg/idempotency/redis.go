package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically inspects (or creates) a claim key so that
// TryBeginProcess's three-way {New,Duplicate,InProgress} outcome is decided
// server-side in one round trip, matching the "atomic: first caller wins"
// contract without a client-side compare-and-set race.
//
// KEYS[1] = claim key
// ARGV[1] = in-flight marker value
// ARGV[2] = in-flight marker TTL in seconds (bounds a crashed claimant's leak)
// Returns 0 (New: key created as in-flight), 1 (Duplicate: done), 2 (InProgress).
var claimScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
	return 0
elseif v == "done" then
	return 1
else
	return 2
end
`)

// RedisStore is a cluster-shared idempotency store backed by go-redis,
// using the shared connection factory (pkg/cache.RedisClient) for pool
// configuration. Keys are namespaced "catga:idem:<messageId>"; the cached
// result, when present, is stored as a second key so a Duplicate lookup is
// a single GET.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures a RedisStore at construction.
type RedisOption func(*RedisStore)

// WithRedisTTL overrides the default 24h record TTL.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithRedisKeyPrefix overrides the default "catga:idem" key namespace.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore builds a Store backed by an existing redis client (a
// *redis.Client or *redis.ClusterClient, anything satisfying redis.Cmdable).
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "catga:idem", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(messageID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, messageID)
}

func (s *RedisStore) resultKey(messageID string) string {
	return fmt.Sprintf("%s:%s:result", s.keyPrefix, messageID)
}

func (s *RedisStore) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	v, err := s.client.Get(ctx, s.key(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency: redis GET: %w", err)
	}
	return v == "done", nil
}

func (s *RedisStore) TryBeginProcess(ctx context.Context, messageID string) (Status, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.key(messageID)}, "in-flight", int(s.ttl.Seconds())).Int()
	if err != nil {
		return InProgress, fmt.Errorf("idempotency: redis claim script: %w", err)
	}
	switch res {
	case 0:
		return New, nil
	case 1:
		return Duplicate, nil
	default:
		return InProgress, nil
	}
}

func (s *RedisStore) Complete(ctx context.Context, messageID string, result []byte) error {
	return s.MarkProcessed(ctx, messageID, result)
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string, result []byte) error {
	done, err := s.HasProcessed(ctx, messageID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(messageID), "done", s.ttl)
	if result != nil {
		pipe.Set(ctx, s.resultKey(messageID), result, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("idempotency: redis MarkProcessed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCached(ctx context.Context, messageID string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.resultKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis GetCached: %w", err)
	}
	return v, true, nil
}
