package result_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/result"
)

func TestSuccess(t *testing.T) {
	r := result.Success(42)

	require.True(t, r.IsSuccess())
	assert.False(t, r.IsFailure())
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestFailure(t *testing.T) {
	r := result.Failure[int](catgaerr.ValidationFailed, "qty must be positive")

	require.True(t, r.IsFailure())
	assert.Equal(t, catgaerr.ValidationFailed, r.Code())
	assert.Equal(t, "qty must be positive", r.Message())
	_, ok := r.Value()
	assert.False(t, ok)
}

func TestWithMetadataPreservesOrder(t *testing.T) {
	r := result.Success("ok").WithMetadata("b", "2").WithMetadata("a", "1")

	assert.Equal(t, []string{"b", "a"}, r.Metadata().Keys())
	v, ok := r.Metadata().Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestMapOnSuccess(t *testing.T) {
	r := result.Success(2)
	out := result.Map(r, func(v int) int { return v * 21 })

	assert.True(t, out.IsSuccess())
	v, _ := out.Value()
	assert.Equal(t, 42, v)
}

func TestMapOnFailurePassesThrough(t *testing.T) {
	r := result.Failure[int](catgaerr.Timeout, "deadline exceeded")
	out := result.Map(r, func(v int) string { return "unreached" })

	require.True(t, out.IsFailure())
	assert.Equal(t, catgaerr.Timeout, out.Code())
}

func TestBindShortCircuitsOnFailure(t *testing.T) {
	calls := 0
	r := result.Failure[int](catgaerr.HandlerNotFound, "no handler")
	out := result.Bind(r, func(v int) result.Result[int] {
		calls++
		return result.Success(v + 1)
	})

	assert.Equal(t, 0, calls)
	assert.True(t, out.IsFailure())
}

func TestBindCarriesMetadataForward(t *testing.T) {
	r := result.Success(1).WithMetadata("correlationId", "C1")
	out := result.Bind(r, func(v int) result.Result[int] {
		return result.Success(v + 1)
	})

	v, ok := out.Metadata().Get("correlationId")
	require.True(t, ok)
	assert.Equal(t, "C1", v)
}
