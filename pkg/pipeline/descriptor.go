// Package pipeline builds the ordered behavior chain every mediator
// dispatch runs through: Tracing, Logging, Idempotency, DistributedLock,
// Validation, Resilience, Outbox, wrapping the handler in that fixed order.
package pipeline

import (
	"time"

	"github.com/catgadev/catga/pkg/resilience"
)

// Descriptor declares which optional behaviors apply to one
// (messageType, handlerType) pair and how they're configured. It is built
// once via functional options and cached by the mediator; the zero value
// enables only the always-on behaviors (Tracing, Logging, Validation).
type Descriptor struct {
	MessageType string
	HandlerType string

	Idempotent     bool
	IdempotencyTTL time.Duration

	DistributedLockKeyTemplate string
	LockTTL                    time.Duration
	LockWaitTimeout            time.Duration

	Resilience resilience.Config

	IsEvent bool // events persist to outbox after the handler succeeds; requests do not

	// Routing attributes, interpreted by the mediator rather than by any
	// behavior in this chain — kept on the Descriptor because
	// they are declared the same way (functional options at registration).
	Broadcast        bool
	LeaderOnly       bool
	Sharded          string
	ClusterSingleton bool
}

// Option configures a Descriptor at registration time.
type Option func(*Descriptor)

// WithRetry sets the resilience Retry stage's max attempts, keeping the
// rest of the category's resilience.Config untouched.
func WithRetry(maxAttempts int) Option {
	return func(d *Descriptor) { d.Resilience.Retry.MaxAttempts = maxAttempts }
}

// WithTimeout sets the resilience Timeout stage's duration.
func WithTimeout(d time.Duration) Option {
	return func(desc *Descriptor) { desc.Resilience.Timeout = d }
}

// WithCircuitBreaker enables the resilience Breaker stage with the given
// failure threshold and open duration.
func WithCircuitBreaker(failureThreshold uint32, openDuration time.Duration) Option {
	return func(d *Descriptor) {
		d.Resilience.Breaker.FailureThreshold = failureThreshold
		d.Resilience.Breaker.OpenDuration = openDuration
	}
}

// WithBulkhead bounds in-flight concurrency for this (messageType,
// handlerType) pair's resilience Bulkhead stage.
func WithBulkhead(maxConcurrency, queueLimit int) Option {
	return func(d *Descriptor) {
		d.Resilience.Bulkhead.MaxConcurrency = maxConcurrency
		d.Resilience.Bulkhead.QueueLimit = queueLimit
	}
}

// WithIdempotent enables the Idempotency behavior, caching the handler's
// result by message id, and records ttl as IdempotencyTTL. The
// Idempotency behavior does not read IdempotencyTTL: how long a record is
// kept is set by the idempotency store's own TTL.
func WithIdempotent(ttl time.Duration) Option {
	return func(d *Descriptor) { d.Idempotent = true; d.IdempotencyTTL = ttl }
}

// WithDistributedLock enables the DistributedLock behavior: keyTemplate is
// expanded against message fields (see ExpandLockKey) before acquiring.
func WithDistributedLock(keyTemplate string, ttl, waitTimeout time.Duration) Option {
	return func(d *Descriptor) {
		d.DistributedLockKeyTemplate = keyTemplate
		d.LockTTL = ttl
		d.LockWaitTimeout = waitTimeout
	}
}

// WithBroadcast marks an event as routed to all nodes instead of
// load-balanced to one.
func WithBroadcast() Option { return func(d *Descriptor) { d.Broadcast = true } }

// WithLeaderOnly marks a request as executable only on the current leader.
func WithLeaderOnly() Option { return func(d *Descriptor) { d.LeaderOnly = true } }

// WithSharded routes a request to the node owning hash(keyExpr) mod
// shardCount.
func WithSharded(keyExpr string) Option {
	return func(d *Descriptor) { d.Sharded = keyExpr }
}

// WithClusterSingleton marks a handler as having at most one active
// instance across the cluster.
func WithClusterSingleton() Option { return func(d *Descriptor) { d.ClusterSingleton = true } }

// NewDescriptor builds a Descriptor for messageType/handlerType, applying
// opts over a Resilience config seeded with the package defaults.
func NewDescriptor(messageType, handlerType string, isEvent bool, opts ...Option) *Descriptor {
	d := &Descriptor{
		MessageType: messageType,
		HandlerType: handlerType,
		IsEvent:     isEvent,
		Resilience: resilience.Config{
			Retry:    resilience.DefaultRetryConfig(),
			Category: messageType,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}
