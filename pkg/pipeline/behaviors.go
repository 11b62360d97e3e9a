package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/idempotency"
	"github.com/catgadev/catga/pkg/resilience"
	"github.com/catgadev/catga/pkg/result"
)

// ReplayMetadataKey flags a Result as having short-circuited on a
// previously-seen message id rather than invoking the handler. Its cached
// success value has already round-tripped through Deps.Serialize/Deserialize,
// so a generic caller that knows the expected response type (the mediator's
// Send) can recover the original value instead of the raw cached bytes.
const ReplayMetadataKey = "catga.idempotent_replay"

// idempotencyBehavior short-circuits on a replayed message id with the
// cached outcome, and records the outcome of a new one.
// It only caches successes: MarkProcessed(id, v) followed by GetCached(id)
// must return v, a guarantee defined only over successful results.
func idempotencyBehavior(desc *Descriptor, deps Deps) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		if !desc.Idempotent || deps.Idempotency == nil {
			return next
		}
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			if env.MessageID == "" {
				return next(ctx, env)
			}

			status, err := deps.Idempotency.TryBeginProcess(ctx, env.MessageID)
			if err != nil {
				return result.FailureWithCause[any](catgaerr.PersistenceFailed, "idempotency lookup failed", err)
			}
			if status == idempotency.Duplicate {
				cached, ok, err := deps.Idempotency.GetCached(ctx, env.MessageID)
				if err != nil {
					return result.FailureWithCause[any](catgaerr.PersistenceFailed, "idempotency cache read failed", err)
				}
				if ok {
					return result.Success[any](cached).WithMetadata(ReplayMetadataKey, "true")
				}
				return result.Success[any](nil).WithMetadata(ReplayMetadataKey, "true")
			}
			if status == idempotency.InProgress {
				return result.Failure[any](catgaerr.Unexpected, "message already in progress")
			}

			res := next(ctx, env)
			if res.IsSuccess() {
				v, _ := res.Value()
				data, err := cacheableBytes(deps, v)
				if err != nil {
					return result.FailureWithCause[any](catgaerr.SerializationFailed, "idempotency result serialization failed", err)
				}
				if err := deps.Idempotency.Complete(ctx, env.MessageID, data); err != nil {
					return result.FailureWithCause[any](catgaerr.PersistenceFailed, "idempotency completion failed", err)
				}
			}
			return res
		}
	}
}

// cacheableBytes converts a handler's success value into the bytes an
// idempotency store can cache and a later replay can restore: already-[]byte
// values (the common case for handlers that already work in wire format)
// pass through unchanged, everything else goes through Deps.Serialize so a
// typed value (e.g. a string order id) survives the round trip instead of
// being silently discarded.
func cacheableBytes(deps Deps, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if deps.Serialize == nil {
		return nil, fmt.Errorf("idempotency: cannot cache non-[]byte value %T without Deps.Serialize", v)
	}
	return deps.Serialize(v)
}

// distributedLockBehavior acquires a lock keyed by the templated expansion
// of DistributedLockKeyTemplate before calling next, releasing it on every
// return path.
func distributedLockBehavior(desc *Descriptor, deps Deps) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		if desc.DistributedLockKeyTemplate == "" || deps.Locker == nil {
			return next
		}
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			key := ExpandLockKey(desc.DistributedLockKeyTemplate, env)
			handle, err := deps.Locker.TryAcquire(ctx, key, desc.LockTTL, desc.LockWaitTimeout)
			if err != nil {
				return result.FailureWithCause[any](catgaerr.LockFailed, "lock acquisition failed", err)
			}
			if handle == nil {
				return result.Failure[any](catgaerr.LockFailed, "lock wait timed out for key "+key)
			}
			defer func() { _ = deps.Locker.Release(ctx, handle) }()
			return next(ctx, env)
		}
	}
}

// ExpandLockKey substitutes "{fieldName}" placeholders in template with
// values from env.Fields, giving a lock key template like
// "order:{orderId}" a concrete per-message key.
func ExpandLockKey(template string, env *Envelope) string {
	out := template
	for name, value := range env.Fields {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// validationBehavior evaluates attribute-declared struct constraints on the
// envelope payload, failing closed with ValidationFailed on any violation.
// It always runs; deps.Validate nil disables it (e.g. in tests that
// construct payloads already known-valid).
func validationBehavior(deps Deps) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		if deps.Validate == nil {
			return next
		}
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			if err := deps.Validate(env.Payload); err != nil {
				return result.FailureWithCause[any](catgaerr.ValidationFailed, "message failed validation", err)
			}
			return next(ctx, env)
		}
	}
}

// resilienceBehavior wraps next in the Timeout→Retry→Bulkhead→CircuitBreaker
// stack from pkg/resilience.
func resilienceBehavior(desc *Descriptor) Behavior {
	rp := resilience.NewPipeline(desc.Resilience)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			v, err := rp.Execute(ctx, func(ctx context.Context) (any, error) {
				res := next(ctx, env)
				if res.IsFailure() {
					return nil, resilienceErrorFor(res)
				}
				val, _ := res.Value()
				return val, nil
			})
			if err != nil {
				return resultFromResilienceError(err)
			}
			return result.Success(v)
		}
	}
}

// resilienceErrorFor converts a failed Result back into a Go error carrying
// its code, so pkg/resilience's retry/backoff classification (which only
// sees Go errors) can apply catgaerr.Retryable to it.
func resilienceErrorFor(res result.Result[any]) error {
	if cause := res.Cause(); cause != nil {
		return &resilience.CodedError{Code: res.Code(), Err: cause}
	}
	return &resilience.CodedError{Code: res.Code(), Err: errFromResult(res)}
}

type resultError struct{ msg string }

func (e *resultError) Error() string { return e.msg }

func errFromResult(res result.Result[any]) error { return &resultError{msg: res.Message()} }

// resultFromResilienceError converts an error surfaced by pkg/resilience
// (a *resilience.CodedError for classified infra faults, or the handler's
// own *resilience.CodedError round-tripped by resilienceErrorFor) back into
// a Result.
func resultFromResilienceError(err error) result.Result[any] {
	var coded *resilience.CodedError
	if errors.As(err, &coded) {
		return result.FailureWithCause[any](coded.Code, coded.Error(), coded.Unwrap())
	}
	return result.FailureWithCause[any](catgaerr.Unexpected, "resilience stage failed", err)
}

// outboxBehavior persists an event message to the outbox immediately after
// the handler succeeds, before returning success to the caller. Only
// IsEvent descriptors append; request/response dispatches skip it entirely.
func outboxBehavior(desc *Descriptor, deps Deps) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		if !desc.IsEvent || deps.Outbox == nil || deps.Serialize == nil {
			return next
		}
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			res := next(ctx, env)
			if res.IsFailure() {
				return res
			}
			payload, err := deps.Serialize(env.Payload)
			if err != nil {
				return result.FailureWithCause[any](catgaerr.SerializationFailed, "outbox payload serialization failed", err)
			}
			if err := deps.Outbox.Append(ctx, desc.MessageType, payload); err != nil {
				return result.FailureWithCause[any](catgaerr.PersistenceFailed, "outbox append failed", err)
			}
			return res
		}
	}
}
