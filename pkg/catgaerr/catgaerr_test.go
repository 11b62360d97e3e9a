package catgaerr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catgadev/catga/pkg/catgaerr"
)

func TestRetryableTransientInfrastructureCodes(t *testing.T) {
	for _, c := range []catgaerr.Code{catgaerr.Timeout, catgaerr.TransportFailed, catgaerr.PersistenceFailed} {
		assert.True(t, catgaerr.Retryable(c), "%s must be retryable", c)
	}
}

func TestRetryableExcludesOverloaded(t *testing.T) {
	// Overloaded's only producer (resilience.Bulkhead) fires exclusively on
	// queue overflow; retrying would just re-present the same saturated
	// bulkhead instead of failing fast.
	assert.False(t, catgaerr.Retryable(catgaerr.Overloaded))
}

func TestRetryableExcludesNonTransientCodes(t *testing.T) {
	for _, c := range []catgaerr.Code{
		catgaerr.ValidationFailed, catgaerr.HandlerNotFound, catgaerr.HandlerAmbiguous,
		catgaerr.HandlerFailed, catgaerr.PartialEventFailure, catgaerr.PipelineFailed,
		catgaerr.Cancelled, catgaerr.CircuitOpen, catgaerr.SerializationFailed,
		catgaerr.LockFailed, catgaerr.ConcurrencyConflict, catgaerr.NotLeader,
		catgaerr.ClockRegression, catgaerr.Unexpected,
	} {
		assert.False(t, catgaerr.Retryable(c), "%s must not be retryable", c)
	}
}

func TestDLQEligible(t *testing.T) {
	assert.False(t, catgaerr.DLQEligible(catgaerr.Cancelled))
	assert.False(t, catgaerr.DLQEligible(catgaerr.ValidationFailed))
	assert.True(t, catgaerr.DLQEligible(catgaerr.HandlerFailed))
	assert.True(t, catgaerr.DLQEligible(catgaerr.Overloaded))
}
