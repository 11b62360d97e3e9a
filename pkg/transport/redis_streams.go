package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/catgadev/catga/pkg/logging"
)

const (
	streamPayloadField = "payload"
	streamClaimIdle     = 30 * time.Second
	streamClaimInterval = 10 * time.Second
	streamReadBlock     = 5 * time.Second
	streamReadCount     = 32
)

// RedisStreams is a Transport backed by Redis Streams: one stream per
// subject, consumer groups providing the queue-group load-balancing
// semantics, and a background claim sweep that re-delivers messages whose
// owning consumer died mid-processing (the Pending Entries List equivalent
// of NATS JetStream's redelivery), per the at-least-once contract every
// catga backend shares.
type RedisStreams struct {
	client redis.Cmdable
	log    logging.Logger
	consumerName string
}

// NewRedisStreams builds a Redis Streams Transport over an existing
// connection, following the pooling conventions of the cache package's
// RedisClient: callers own connection setup and lifecycle.
func NewRedisStreams(client redis.Cmdable, log logging.Logger) *RedisStreams {
	return &RedisStreams{client: client, log: log, consumerName: uuid.NewString()}
}

func (r *RedisStreams) Publish(ctx context.Context, subject string, tc TransportContext, payload []byte) error {
	values := map[string]any{
		streamPayloadField: payload,
		metaMessageID:      tc.MessageID,
		metaCorrelationID:  tc.CorrelationID,
		metaMessageType:    tc.MessageType,
		metaTraceParent:    tc.TraceParent,
		metaTraceState:     tc.TraceState,
		metaTraceBaggage:   tc.TraceBaggage,
	}
	for k, v := range tc.Headers {
		values["h:"+k] = v
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: subject, Values: values}).Err(); err != nil {
		return fmt.Errorf("transport: xadd to %s: %w", subject, err)
	}
	return nil
}

func (r *RedisStreams) SendAndReceive(ctx context.Context, subject string, tc TransportContext, payload []byte, timeout time.Duration) ([]byte, TransportContext, error) {
	replyID := uuid.NewString()
	replySubject := ReplySubject(replyID)

	replyCh := make(chan struct {
		payload []byte
		tc      TransportContext
	}, 1)
	unsub, err := r.Subscribe(ctx, replySubject, "", func(ctx context.Context, tc TransportContext, payload []byte) error {
		replyCh <- struct {
			payload []byte
			tc      TransportContext
		}{payload, tc}
		return nil
	})
	if err != nil {
		return nil, TransportContext{}, err
	}
	defer unsub() //nolint:errcheck

	tc.Headers = mergeHeader(tc.Headers, metaReplySubjectMeta, replySubject)
	if err := r.Publish(ctx, subject, tc, payload); err != nil {
		return nil, TransportContext{}, err
	}

	select {
	case rep := <-replyCh:
		return rep.payload, rep.tc, nil
	case <-time.After(timeout):
		return nil, TransportContext{}, fmt.Errorf("transport: send and receive on %s timed out after %s", subject, timeout)
	case <-ctx.Done():
		return nil, TransportContext{}, ctx.Err()
	}
}

// Subscribe starts a consumer group reader loop on subject. queueGroup names
// the Redis Streams consumer group; an empty queueGroup gets a private
// per-subscription group so the subscriber receives every message
// (broadcast), matching the other backends' convention.
func (r *RedisStreams) Subscribe(ctx context.Context, subject string, queueGroup string, handler Handler) (func() error, error) {
	group := queueGroup
	if group == "" {
		group = "catga-broadcast-" + uuid.NewString()
	}

	if err := r.client.XGroupCreateMkStream(ctx, subject, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("transport: create consumer group %s on %s: %w", group, subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go r.readLoop(subCtx, subject, group, handler)
	go r.claimSweepLoop(subCtx, subject, group, handler)

	return func() error {
		cancel()
		return nil
	}, nil
}

func (r *RedisStreams) readLoop(ctx context.Context, subject, group string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumerName,
			Streams:  []string{subject, ">"},
			Count:    streamReadCount,
			Block:    streamReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			r.log.ErrorContext(ctx, "transport: xreadgroup failed", "subject", subject, "group", group, "error", err)
			continue
		}

		if len(res) == 0 {
			// Backend did not honor BLOCK (as with some in-memory test
			// doubles); avoid a tight busy loop.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				r.handleMessage(ctx, subject, group, msg, handler)
			}
		}
	}
}

// claimSweepLoop periodically claims messages idle longer than
// streamClaimIdle in the group's Pending Entries List — the crash-recovery
// path for a consumer that read a message but never Acked it.
func (r *RedisStreams) claimSweepLoop(ctx context.Context, subject, group string, handler Handler) {
	ticker := time.NewTicker(streamClaimInterval)
	defer ticker.Stop()

	cursor := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   subject,
			Group:    group,
			Consumer: r.consumerName,
			MinIdle:  streamClaimIdle,
			Start:    cursor,
			Count:    streamReadCount,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.log.ErrorContext(ctx, "transport: xautoclaim failed", "subject", subject, "group", group, "error", err)
			continue
		}
		cursor = next

		for _, msg := range msgs {
			r.handleMessage(ctx, subject, group, msg, handler)
		}
	}
}

func (r *RedisStreams) handleMessage(ctx context.Context, subject, group string, msg redis.XMessage, handler Handler) {
	tc, payload := decodeStreamMessage(msg)
	if err := handler(ctx, tc, payload); err != nil {
		r.log.ErrorContext(ctx, "transport: handler failed, message stays pending for claim sweep", "subject", subject, "id", msg.ID, "error", err)
		return
	}
	if err := r.client.XAck(ctx, subject, group, msg.ID).Err(); err != nil {
		r.log.ErrorContext(ctx, "transport: xack failed", "subject", subject, "id", msg.ID, "error", err)
	}
}

func decodeStreamMessage(msg redis.XMessage) (TransportContext, []byte) {
	tc := TransportContext{Headers: make(map[string]string)}
	var payload []byte
	for k, v := range msg.Values {
		s, _ := v.(string)
		switch k {
		case streamPayloadField:
			payload = []byte(s)
		case metaMessageID:
			tc.MessageID = s
		case metaCorrelationID:
			tc.CorrelationID = s
		case metaMessageType:
			tc.MessageType = s
		case metaTraceParent:
			tc.TraceParent = s
		case metaTraceState:
			tc.TraceState = s
		case metaTraceBaggage:
			tc.TraceBaggage = s
		default:
			if len(k) > 2 && k[:2] == "h:" {
				tc.Headers[k[2:]] = s
			}
		}
	}
	return tc, payload
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (r *RedisStreams) Close() error { return nil }
