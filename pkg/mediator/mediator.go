// Package mediator implements catga's Send/Publish dispatch core:
// resolving the single registered handler for a request type or every
// registered handler for an event type, building/reusing each one's
// pipeline, and invoking it.
package mediator

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/pipeline"
	"github.com/catgadev/catga/pkg/result"
)

// LeaderChecker reports whether the current process is the cluster leader,
// consulted for requests registered with pipeline.WithLeaderOnly. A nil
// checker means every node is treated as leader (single-process mode).
type LeaderChecker func() bool

// ShardOwner reports whether the current process owns shardKey, consulted
// for requests registered with pipeline.WithSharded. A nil owner means every
// node owns every shard (single-process mode).
type ShardOwner func(shardKey string) bool

// Mediator holds the request/event handler registries and the shared
// pipeline cache + dependency set every dispatch's behavior chain draws on.
type Mediator struct {
	mu              sync.RWMutex
	requestHandlers map[reflect.Type]*requestEntry
	eventHandlers   map[reflect.Type][]*eventEntry

	cache *pipeline.Cache
	deps  pipeline.Deps

	leader LeaderChecker
	shard  ShardOwner
}

type requestEntry struct {
	descriptor *pipeline.Descriptor
	handler    pipeline.HandlerFunc
}

type eventEntry struct {
	descriptor *pipeline.Descriptor
	handler    pipeline.HandlerFunc
}

// New builds an empty Mediator. deps is shared by every dispatch's pipeline.
func New(deps pipeline.Deps, opts ...Option) *Mediator {
	m := &Mediator{
		requestHandlers: make(map[reflect.Type]*requestEntry),
		eventHandlers:   make(map[reflect.Type][]*eventEntry),
		cache:           pipeline.NewCache(),
		deps:            deps,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Mediator at construction.
type Option func(*Mediator)

// WithLeaderChecker installs the LeaderOnly routing hook.
func WithLeaderChecker(fn LeaderChecker) Option { return func(m *Mediator) { m.leader = fn } }

// WithShardOwner installs the Sharded routing hook.
func WithShardOwner(fn ShardOwner) Option { return func(m *Mediator) { m.shard = fn } }

// RegisterRequestHandler registers the single handler for TReq. A second
// registration for the same TReq is rejected — registration is write-only
// after startup and exactly one handler may own a request type, so a
// duplicate is a startup-time configuration error, not a runtime ambiguity
// to resolve per-call.
func RegisterRequestHandler[TReq any, TResp any](
	m *Mediator,
	messageType string,
	handlerName string,
	handler func(ctx context.Context, req TReq) result.Result[TResp],
	opts ...pipeline.Option,
) error {
	key := reflect.TypeOf((*TReq)(nil)).Elem()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requestHandlers[key]; exists {
		return &catgaErrf{code: catgaerr.HandlerAmbiguous, msg: "handler already registered for " + messageType}
	}

	desc := pipeline.NewDescriptor(messageType, handlerName, false, opts...)
	wrapped := func(ctx context.Context, env *pipeline.Envelope) result.Result[any] {
		req, _ := env.Payload.(TReq)
		res := handler(ctx, req)
		if res.IsFailure() {
			return result.FailureWithCause[any](res.Code(), res.Message(), res.Cause())
		}
		v, _ := res.Value()
		return result.Success[any](v)
	}
	m.requestHandlers[key] = &requestEntry{descriptor: desc, handler: wrapped}
	return nil
}

// RegisterEventHandler adds handler to the set invoked for every Publish of
// TEvt. Multiple handlers for the same TEvt are expected — that's the
// fan-out Publish performs.
func RegisterEventHandler[TEvt any](
	m *Mediator,
	messageType string,
	handlerName string,
	handler func(ctx context.Context, evt TEvt) result.Result[any],
	opts ...pipeline.Option,
) {
	key := reflect.TypeOf((*TEvt)(nil)).Elem()

	desc := pipeline.NewDescriptor(messageType, handlerName, true, opts...)
	wrapped := func(ctx context.Context, env *pipeline.Envelope) result.Result[any] {
		evt, _ := env.Payload.(TEvt)
		return handler(ctx, evt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandlers[key] = append(m.eventHandlers[key], &eventEntry{descriptor: desc, handler: wrapped})
}

// Send resolves the single registered handler for TReq, builds/reuses its
// pipeline, and invokes it. Routing attributes (LeaderOnly, Sharded) are
// checked before the pipeline runs — the mediator interprets them, not the
// handler.
func Send[TReq any, TResp any](ctx context.Context, m *Mediator, req TReq) result.Result[TResp] {
	key := reflect.TypeOf((*TReq)(nil)).Elem()
	m.mu.RLock()
	entry, ok := m.requestHandlers[key]
	m.mu.RUnlock()
	if !ok {
		return result.Failure[TResp](catgaerr.HandlerNotFound, "no handler registered for "+key.String())
	}

	if entry.descriptor.LeaderOnly && m.leader != nil && !m.leader() {
		return result.Failure[TResp](catgaerr.NotLeader, "this node is not the cluster leader")
	}
	if entry.descriptor.Sharded != "" && m.shard != nil {
		shardKey := ExpandShardKey(entry.descriptor.Sharded, req)
		if !m.shard(shardKey) {
			return result.Failure[TResp](catgaerr.NotLeader, "this node does not own shard "+shardKey)
		}
	}

	select {
	case <-ctx.Done():
		return result.Failure[TResp](catgaerr.Cancelled, "dispatch cancelled before handler invocation")
	default:
	}

	messageID := messageIDFromContext(ctx)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	env := &pipeline.Envelope{
		MessageID:     messageID,
		CorrelationID: correlationIDFromContext(ctx),
		Payload:       req,
		Fields:        fieldsOf(req),
	}

	chain := m.cache.GetOrBuild(entry.descriptor, m.deps, entry.handler)
	res := chain(ctx, env)

	if res.IsFailure() {
		out := result.FailureWithCause[TResp](res.Code(), res.Message(), res.Cause())
		for _, k := range res.Metadata().Keys() {
			v, _ := res.Metadata().Get(k)
			out = out.WithMetadata(k, v)
		}
		return out
	}

	v, _ := res.Value()
	typed, ok := v.(TResp)
	if !ok {
		typed, _ = replayedValue[TResp](m.deps, res, v)
	}

	out := result.Success(typed)
	for _, k := range res.Metadata().Keys() {
		mv, _ := res.Metadata().Get(k)
		out = out.WithMetadata(k, mv)
	}
	return out
}

// replayedValue reconstructs a replayed idempotent dispatch's cached bytes
// (v) into TResp via deps.Deserialize, so Send's type assertion on the
// cached []byte — which never matches a typed TResp like string or a
// struct directly — doesn't silently zero out the response. ok is false
// (leaving the caller with a zero-value TResp) if res isn't a recognized
// replay, v isn't []byte, or no Deserialize is wired.
func replayedValue[TResp any](deps pipeline.Deps, res result.Result[any], v any) (TResp, bool) {
	var zero TResp
	if replayed, _ := res.Metadata().Get(pipeline.ReplayMetadataKey); replayed != "true" {
		return zero, false
	}
	if deps.Deserialize == nil {
		return zero, false
	}
	data, ok := v.([]byte)
	if !ok || len(data) == 0 {
		return zero, false
	}
	var out TResp
	if err := deps.Deserialize(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// catgaErrf is a minimal error implementation for registration-time
// failures, which are Go errors (startup configuration problems) rather
// than Result failures (runtime dispatch outcomes).
type catgaErrf struct {
	code catgaerr.Code
	msg  string
}

func (e *catgaErrf) Error() string { return string(e.code) + ": " + e.msg }
