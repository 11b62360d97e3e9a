package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/catgadev/catga/pkg/catgaerr"
)

// RetryConfig configures the Retry stage. MaxAttempts counts the initial
// attempt plus retries (MaxAttempts=3 means up to 2 retries).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryConfig matches the config package's RetryMax* defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true}
}

// newBackoff builds a cenkalti/backoff/v4 exponential backoff with jitter,
// bounded by MaxAttempts.
func (c RetryConfig) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.BaseDelay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = 2
	if !c.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed wall time
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	withMax := backoff.WithMaxRetries(eb, uint64(attempts-1))
	return backoff.WithContext(withMax, ctx)
}

// Retry runs fn, retrying on errors classified as transient by
// catgaerr.Retryable (extracted via CodedError) up to cfg.MaxAttempts total
// attempts with exponential backoff. Non-transient errors and a cancelled
// context stop retrying immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (any, error)) (any, error) {
	var result any
	op := func() error {
		v, err := fn(ctx)
		if err != nil {
			return classifyForRetry(err)
		}
		result = v
		return nil
	}

	err := backoff.Retry(op, cfg.newBackoff(ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

// classifyForRetry wraps err as a backoff.PermanentError when its
// catgaerr.Code (if any) is not retryable, so backoff.Retry stops
// immediately instead of burning through the remaining attempt budget.
func classifyForRetry(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		if !catgaerr.Retryable(coded.Code) {
			return backoff.Permanent(err)
		}
		return err
	}
	// unclassified infrastructure errors default to retryable: the
	// "Unexpected" bucket's typical origin is a transient network blip.
	return err
}
