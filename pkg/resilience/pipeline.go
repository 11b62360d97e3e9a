package resilience

import (
	"context"
	"time"
)

// Config bundles the independently-configurable stages for one category
// (mediator, transport-publish, transport-send, persistence).
type Config struct {
	Timeout   time.Duration
	Retry     RetryConfig
	Bulkhead  BulkheadConfig
	Breaker   BreakerConfig
	Category  string
}

// Pipeline composes Timeout → Retry → Bulkhead → CircuitBreaker around a
// single operation, in that fixed order. Each stage wraps the
// next, so from the outside in: the overall timeout bounds everything
// (including every retry attempt), retry re-invokes the bulkhead-wrapped
// breaker call, bulkhead admission gates whether the breaker is even
// consulted, and the breaker is the innermost gate before fn runs.
type Pipeline struct {
	cfg      Config
	bulkhead *Bulkhead
	breaker  *Breaker
}

// NewPipeline builds a resilience Pipeline for one category.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		bulkhead: NewBulkhead(cfg.Bulkhead),
		breaker:  NewBreaker(cfg.Category, cfg.Breaker),
	}
}

// Execute runs fn through the full Timeout→Retry→Bulkhead→CircuitBreaker
// stack. A zero Breaker.FailureThreshold leaves the breaker stage out.
func (p *Pipeline) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	run := func(ctx context.Context) (any, error) {
		return Retry(ctx, p.cfg.Retry, func(ctx context.Context) (any, error) {
			return p.bulkhead.Execute(ctx, func(ctx context.Context) (any, error) {
				if p.cfg.Breaker.FailureThreshold == 0 {
					return fn(ctx)
				}
				return p.breaker.Execute(func() (any, error) {
					return fn(ctx)
				})
			})
		})
	}

	if p.cfg.Timeout <= 0 {
		return run(ctx)
	}
	return WithTimeout(ctx, p.cfg.Timeout, run)
}

// BreakerState exposes the pipeline's underlying circuit breaker state, for
// metrics export.
func (p *Pipeline) BreakerState() string {
	return p.breaker.State().String()
}
