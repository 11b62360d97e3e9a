package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/idempotency"
	"github.com/catgadev/catga/pkg/lock"
	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/resilience"
	"github.com/catgadev/catga/pkg/result"
)

// Envelope carries a dispatched message alongside the metadata behaviors
// need without knowing its concrete type: a message id for idempotency, a
// correlation id for tracing/logging, and a flattened field map so
// DistributedLock's key template and the mediator's Sharded routing
// attribute can reference message fields generically.
type Envelope struct {
	MessageID     string
	CorrelationID string
	Payload       any
	Fields        map[string]string
}

// Field returns a templated field value, or "" if absent.
func (e *Envelope) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// HandlerFunc is the type-erased shape every behavior wraps: the mediator's
// generic Send/Publish calls narrow to and from this at the boundary, since
// Go behaviors cannot themselves carry the request/response type
// parameters.
type HandlerFunc func(ctx context.Context, env *Envelope) result.Result[any]

// Behavior wraps a HandlerFunc with one pipeline stage.
type Behavior func(next HandlerFunc) HandlerFunc

// Outbox is the narrow append contract the Outbox behavior needs; satisfied
// structurally by *outbox.Appender without this package importing
// pkg/outbox's full Store interface.
type Outbox interface {
	Append(ctx context.Context, messageType string, payload []byte) error
}

// Deps bundles the shared infrastructure every standard behavior draws on.
// A nil field disables the corresponding optional behavior even if the
// Descriptor requests it (e.g. a Descriptor with DistributedLockKeyTemplate
// set but Deps.Locker nil skips locking rather than panicking), so callers
// can wire only what they use.
type Deps struct {
	Logger      logging.Logger
	Idempotency idempotency.Store
	Locker      lock.Locker
	Validate    func(any) error
	Outbox      Outbox
	Serialize   func(any) ([]byte, error)
	// Deserialize decodes cached bytes back into out (a non-nil pointer),
	// pairing with Serialize to round-trip an idempotent replay's success
	// value back into its original dispatch-time type.
	Deserialize func(data []byte, out any) error
}

// Build composes the standard behavior chain around handler, in the
// canonical order from: Tracing, Logging, Idempotency,
// DistributedLock, Validation, Resilience, Outbox — composed inside-out so
// Tracing is the outermost of these, inside the panic-recovery wrapper, and
// Outbox sits immediately around handler.
func Build(desc *Descriptor, deps Deps, handler HandlerFunc) HandlerFunc {
	h := handler
	h = outboxBehavior(desc, deps)(h)
	h = resilienceBehavior(desc)(h)
	h = validationBehavior(deps)(h)
	h = distributedLockBehavior(desc, deps)(h)
	h = idempotencyBehavior(desc, deps)(h)
	h = loggingBehavior(desc, deps)(h)
	h = tracingBehavior(desc)(h)
	return recoverBehavior()(h)
}

// Cache materializes a Build result once per (messageType, handlerType) pair
// and reuses it for every subsequent dispatch "materialized
// once ... and cached".
type Cache struct {
	mu    sync.RWMutex
	chain map[string]HandlerFunc
}

// NewCache returns an empty pipeline cache.
func NewCache() *Cache {
	return &Cache{chain: make(map[string]HandlerFunc)}
}

// GetOrBuild returns the cached chain for desc, building and storing it on
// first use.
func (c *Cache) GetOrBuild(desc *Descriptor, deps Deps, handler HandlerFunc) HandlerFunc {
	key := desc.MessageType + "|" + desc.HandlerType

	c.mu.RLock()
	h, ok := c.chain[key]
	c.mu.RUnlock()
	if ok {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.chain[key]; ok {
		return h
	}
	h = Build(desc, deps, handler)
	c.chain[key] = h
	return h
}

func correlationIDAttr(id string) attribute.KeyValue {
	return attribute.String("catga.correlation_id", id)
}

// recoverBehavior is the outermost safety net: a panicking handler or
// behavior becomes Failure(Unexpected) instead of crashing the dispatching
// goroutine, mirroring the HTTP panic-recovery middleware pattern
// translated to the dispatch path.
func recoverBehavior() Behavior {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *Envelope) (out result.Result[any]) {
			defer func() {
				if r := recover(); r != nil {
					out = result.FailureWithCause[any](catgaerr.Unexpected, "panic recovered in pipeline",
						fmt.Errorf("%v\n%s", r, debug.Stack()))
				}
			}()
			return next(ctx, env)
		}
	}
}

// tracingBehavior opens a span named after the message type and injects the
// correlation id into context for downstream behaviors and the handler.
func tracingBehavior(desc *Descriptor) Behavior {
	tracer := otel.Tracer("catga.pipeline")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			ctx, span := tracer.Start(ctx, desc.MessageType)
			defer span.End()
			if env.CorrelationID != "" {
				span.SetAttributes(correlationIDAttr(env.CorrelationID))
			}
			return next(ctx, env)
		}
	}
}

// loggingBehavior logs structured start/end/error with duration, around
// every dispatch.
func loggingBehavior(desc *Descriptor, deps Deps) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *Envelope) result.Result[any] {
			if deps.Logger == nil {
				return next(ctx, env)
			}
			start := time.Now()
			deps.Logger.DebugContext(ctx, "pipeline: dispatch started", "message_type", desc.MessageType, "correlation_id", env.CorrelationID)
			res := next(ctx, env)
			if res.IsFailure() {
				deps.Logger.ErrorContext(ctx, "pipeline: dispatch failed",
					"message_type", desc.MessageType,
					"code", string(res.Code()),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				deps.Logger.DebugContext(ctx, "pipeline: dispatch succeeded",
					"message_type", desc.MessageType,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
			return res
		}
	}
}
