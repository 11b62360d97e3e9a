package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only if its current value still equals
// ARGV[1] (the fencing token), so a caller can never release a lock that
// expired and was re-acquired by someone else in the meantime.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript refreshes the TTL on KEYS[1] only if its value still equals
// ARGV[1].
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX PX for acquisition and Lua
// scripts for token-checked release/extend, using the shared Redis
// connection factory (pkg/cache.RedisClient) for pool/timeout configuration.
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	pollEvery time.Duration
}

// RedisLockerOption configures a RedisLocker at construction.
type RedisLockerOption func(*RedisLocker)

// WithKeyPrefix overrides the default "catga:lock" key namespace.
func WithKeyPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.keyPrefix = prefix }
}

// WithPollInterval overrides how often TryAcquire retries while waiting for
// the lock to free up (default 50ms).
func WithPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.pollEvery = d }
}

// NewRedisLocker builds a Locker backed by an existing redis client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{client: client, keyPrefix: "catga:lock", pollEvery: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", l.keyPrefix, key)
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock: generating fencing token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (*Handle, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.redisKey(key)

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis SETNX: %w", err)
		}
		if ok {
			return &Handle{Key: key, Token: token, AcquiredAt: time.Now(), TTL: ttl}, nil
		}
		if waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.redisKey(handle.Key)}, handle.Token).Err(); err != nil {
		return fmt.Errorf("lock: redis release: %w", err)
	}
	return nil
}

func (l *RedisLocker) Extend(ctx context.Context, handle *Handle, ttl time.Duration) error {
	if handle == nil {
		return fmt.Errorf("lock: cannot extend a nil handle")
	}
	if err := extendScript.Run(ctx, l.client, []string{l.redisKey(handle.Key)}, handle.Token, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("lock: redis extend: %w", err)
	}
	handle.TTL = ttl
	return nil
}
