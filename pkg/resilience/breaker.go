// Package resilience implements the fixed Timeout → Retry → Bulkhead →
// CircuitBreaker pipeline from, with independent per-category
// configuration (mediator, transport-publish, transport-send, persistence).
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/catgadev/catga/pkg/catgaerr"
)

// BreakerConfig configures a single named circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the count of consecutive failures in Closed that
	// trips the breaker to Open.
	FailureThreshold uint32
	// OpenDuration is how long the breaker stays Open before permitting one
	// HalfOpen trial.
	OpenDuration time.Duration
	// HalfOpenTrialPermits bounds concurrent trial calls while HalfOpen
	// (default 1).
	HalfOpenTrialPermits uint32
	// OnStateChange is an optional hook for metrics/logging.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker wraps sony/gobreaker with catga's Result-oriented call signature
// and CircuitOpen error-code mapping. gobreaker already implements the
// three-state machine (Closed/Open/HalfOpen) and consecutive-failure
// counting needed here, so catga configures it rather than reimplementing
// the state machine.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker builds a named Breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.HalfOpenTrialPermits == 0 {
		cfg.HalfOpenTrialPermits = 1
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenTrialPermits,
		Interval:    0, // never reset Closed counts on a timer; only on success
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Execute runs fn through the breaker. When the breaker is Open, fn is never
// invoked and Execute returns catgaerr.CircuitOpen wrapped as a Go error —
// the resilience pipeline (pipeline.go) is responsible for converting that
// into a Result.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &CodedError{Code: catgaerr.CircuitOpen, Err: err}
	}
	return v, err
}

// CodedError wraps an infrastructure error with the catgaerr.Code the
// resilience pipeline should surface it as, so callers above the pipeline
// can unwrap via errors.As without re-classifying.
type CodedError struct {
	Code catgaerr.Code
	Err  error
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *CodedError) Unwrap() error { return e.Err }

// Registry holds named breakers, mediator/transport/persistence categories
// each getting their own independent instance
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewRegistry builds a Registry using defaults for any breaker created via
// Get without a prior explicit configuration.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaults}
}

// Get returns the named breaker, creating it with the registry defaults on
// first access.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.defaults)
	r.breakers[name] = b
	return b
}

// Configure installs an explicitly configured breaker under name, overriding
// any future Get-created default.
func (r *Registry) Configure(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := NewBreaker(name, cfg)
	r.breakers[name] = b
	return b
}
