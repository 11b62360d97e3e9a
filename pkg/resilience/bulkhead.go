package resilience

import (
	"context"
)

// BulkheadConfig bounds in-flight concurrency per category.
type BulkheadConfig struct {
	MaxConcurrency int
	QueueLimit     int
}

// Bulkhead limits concurrent execution to MaxConcurrency with a bounded
// waiting queue of QueueLimit; a caller arriving when both the concurrency
// slots and the queue are full is rejected with Overloaded immediately —
// once concurrency reaches limit+queueLimit, the next request fails fast
// rather than waiting indefinitely.
type Bulkhead struct {
	slots chan struct{}
	queue chan struct{}
}

// defaultMaxConcurrency applies when a category has no explicit Bulkhead
// attribute: large enough that it never becomes the binding constraint,
// since an unconfigured category should behave as if bulkheading were
// absent rather than silently serializing every dispatch to one at a time.
const defaultMaxConcurrency = 4096

// NewBulkhead builds a Bulkhead from cfg.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return &Bulkhead{
		slots: make(chan struct{}, cfg.MaxConcurrency),
		queue: make(chan struct{}, cfg.QueueLimit),
	}
}

// Execute runs fn inside the bulkhead. It returns a CodedError{Overloaded}
// immediately (without blocking) if both the concurrency slots and the
// queue are saturated.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
		return fn(ctx)
	default:
	}

	select {
	case b.queue <- struct{}{}:
	default:
		return nil, &CodedError{Code: overloadedCode, Err: errOverloaded}
	}
	defer func() { <-b.queue }()

	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
		return fn(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
