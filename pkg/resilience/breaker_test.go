package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/resilience"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := resilience.NewBreaker("test", resilience.BreakerConfig{
		FailureThreshold:     3,
		OpenDuration:         200 * time.Millisecond,
		HalfOpenTrialPermits: 1,
	})

	failing := func() (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := b.Execute(failing)
		assert.Error(t, err)
	}

	_, err := b.Execute(func() (any, error) { return "unreached", nil })
	require.Error(t, err)
	var coded *resilience.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, catgaerr.CircuitOpen, coded.Code)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := resilience.NewBreaker("test2", resilience.BreakerConfig{
		FailureThreshold: 2,
		OpenDuration:     50 * time.Millisecond,
	})

	failing := func() (any, error) { return nil, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(failing)
	}

	time.Sleep(60 * time.Millisecond)

	v, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = b.Execute(func() (any, error) { return "ok2", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok2", v)
}

func TestPipelineRetriesTransientThenSucceeds(t *testing.T) {
	p := resilience.NewPipeline(resilience.Config{
		Category: "mediator-test",
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		Bulkhead: resilience.BulkheadConfig{MaxConcurrency: 2, QueueLimit: 2},
		Breaker:  resilience.BreakerConfig{FailureThreshold: 100, OpenDuration: time.Second},
	})

	attempts := 0
	v, err := p.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, &resilience.CodedError{Code: catgaerr.TransportFailed, Err: errors.New("flaky")}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}

func TestPipelineDoesNotRetryValidationFailure(t *testing.T) {
	p := resilience.NewPipeline(resilience.Config{
		Category: "mediator-test2",
		Retry:    resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Bulkhead: resilience.BulkheadConfig{MaxConcurrency: 2, QueueLimit: 2},
		Breaker:  resilience.BreakerConfig{FailureThreshold: 100, OpenDuration: time.Second},
	})

	attempts := 0
	_, err := p.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, &resilience.CodedError{Code: catgaerr.ValidationFailed, Err: errors.New("bad input")}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBulkheadRejectsWhenSaturated(t *testing.T) {
	b := resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrency: 1, QueueLimit: 0})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = b.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "should not run", nil
	})
	require.Error(t, err)
	var coded *resilience.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, catgaerr.Overloaded, coded.Code)

	close(release)
}

func TestWithTimeoutExpires(t *testing.T) {
	_, err := resilience.WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	var coded *resilience.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, catgaerr.Timeout, coded.Code)
}
