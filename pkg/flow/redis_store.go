package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casUpdateScript writes ARGV[2] (the new snapshot, JSON-encoded) into
// KEYS[2] only if the "version" field of the KEYS[1] hash still equals
// ARGV[1], then sets that field to ARGV[3]; grounded on pkg/lock/redis.go's fencing-token CAS idiom.
var casUpdateScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current == false then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "version", ARGV[3])
return 1
`)

// RedisStore is a Store backed by Redis, using a single-key CAS primitive
// via Lua for fencing-token-checked updates (see DESIGN.md for why Redis
// was chosen over a KV-store backend here).
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore builds a Store backed by an existing redis client.
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "catga:flow"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) flowKey(flowID string) string   { return fmt.Sprintf("%s:inst:%s", s.keyPrefix, flowID) }
func (s *RedisStore) versionKey(flowID string) string { return fmt.Sprintf("%s:ver:%s", s.keyPrefix, flowID) }
func (s *RedisStore) waitKey(flowID, stepPath string) string {
	return fmt.Sprintf("%s:wait:%s:%s", s.keyPrefix, flowID, stepPath)
}
func (s *RedisStore) waitIndexKey() string { return s.keyPrefix + ":waits" }
func (s *RedisStore) forEachKey(flowID, stepPath string) string {
	return fmt.Sprintf("%s:foreach:%s:%s", s.keyPrefix, flowID, stepPath)
}
func (s *RedisStore) indexKey() string { return s.keyPrefix + ":instances" }

func (s *RedisStore) Create(ctx context.Context, snap FlowSnapshot) error {
	key := s.flowKey(snap.FlowID)
	existed, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("flow: redis exists: %w", err)
	}
	if existed > 0 {
		return errConcurrencyConflict(snap.FlowID, 0, -1)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("flow: marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.HSet(ctx, key+":meta", "version", snap.Version)
	pipe.SAdd(ctx, s.indexKey(), snap.FlowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flow: redis create: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, flowID string) (FlowSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.flowKey(flowID)).Result()
	if err == redis.Nil {
		return FlowSnapshot{}, false, nil
	}
	if err != nil {
		return FlowSnapshot{}, false, fmt.Errorf("flow: redis get: %w", err)
	}
	var snap FlowSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return FlowSnapshot{}, false, fmt.Errorf("flow: unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *RedisStore) Update(ctx context.Context, snap FlowSnapshot, expectedVersion int64) error {
	current, ok, err := s.Get(ctx, snap.FlowID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound(snap.FlowID)
	}
	if current.Version != expectedVersion {
		return errConcurrencyConflict(snap.FlowID, expectedVersion, current.Version)
	}
	snap.Version = expectedVersion + 1
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("flow: marshal snapshot: %w", err)
	}
	metaKey := s.flowKey(snap.FlowID) + ":meta"
	res, err := casUpdateScript.Run(ctx, s.client, []string{metaKey, s.flowKey(snap.FlowID)},
		strconv.FormatInt(expectedVersion, 10), payload, strconv.FormatInt(snap.Version, 10)).Int()
	if err != nil {
		return fmt.Errorf("flow: redis cas update: %w", err)
	}
	switch res {
	case -1:
		return errNotFound(snap.FlowID)
	case 0:
		return errConcurrencyConflict(snap.FlowID, expectedVersion, current.Version)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.flowKey(flowID), s.flowKey(flowID)+":meta")
	pipe.SRem(ctx, s.indexKey(), flowID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("flow: redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) SetWaitCondition(ctx context.Context, w WaitCondition) error {
	return s.UpdateWaitCondition(ctx, w)
}

func (s *RedisStore) GetWaitCondition(ctx context.Context, flowID, stepPath string) (WaitCondition, bool, error) {
	raw, err := s.client.Get(ctx, s.waitKey(flowID, stepPath)).Result()
	if err == redis.Nil {
		return WaitCondition{}, false, nil
	}
	if err != nil {
		return WaitCondition{}, false, fmt.Errorf("flow: redis get wait: %w", err)
	}
	var w WaitCondition
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return WaitCondition{}, false, fmt.Errorf("flow: unmarshal wait: %w", err)
	}
	return w, true, nil
}

func (s *RedisStore) UpdateWaitCondition(ctx context.Context, w WaitCondition) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("flow: marshal wait: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.waitKey(w.FlowID, w.StepPath), payload, 0)
	pipe.HSet(ctx, s.waitIndexKey(), s.waitKey(w.FlowID, w.StepPath), w.FlowID+"|"+w.StepPath)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("flow: redis set wait: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearWaitCondition(ctx context.Context, flowID, stepPath string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.waitKey(flowID, stepPath))
	pipe.HDel(ctx, s.waitIndexKey(), s.waitKey(flowID, stepPath))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("flow: redis clear wait: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error) {
	entries, err := s.client.HGetAll(ctx, s.waitIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("flow: redis scan waits: %w", err)
	}
	var out []WaitCondition
	for key := range entries {
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("flow: redis get wait: %w", err)
		}
		var w WaitCondition
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("flow: unmarshal wait: %w", err)
		}
		if w.TimedOut(now) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveForEachProgress(ctx context.Context, p ForEachProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("flow: marshal foreach progress: %w", err)
	}
	if err := s.client.Set(ctx, s.forEachKey(p.FlowID, p.StepPath), payload, 0).Err(); err != nil {
		return fmt.Errorf("flow: redis save foreach: %w", err)
	}
	return nil
}

func (s *RedisStore) GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	raw, err := s.client.Get(ctx, s.forEachKey(flowID, stepPath)).Result()
	if err == redis.Nil {
		return ForEachProgress{}, false, nil
	}
	if err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: redis get foreach: %w", err)
	}
	var p ForEachProgress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: unmarshal foreach: %w", err)
	}
	return p, true, nil
}

func (s *RedisStore) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	if err := s.client.Del(ctx, s.forEachKey(flowID, stepPath)).Err(); err != nil {
		return fmt.Errorf("flow: redis clear foreach: %w", err)
	}
	return nil
}

func (s *RedisStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("flow: redis list instances: %w", err)
	}
	var out []string
	for _, id := range ids {
		snap, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && !snap.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}
