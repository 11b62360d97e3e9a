package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/checkpoint"
)

func TestGetReturnsNotOKForUnknownProjection(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	_, ok, err := store.Get(context.Background(), "orders-projector")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	require.NoError(t, store.Set(ctx, "orders-projector", 42))
	pos, ok, err := store.Get(ctx, "orders-projector")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, pos)

	require.NoError(t, store.Set(ctx, "orders-projector", 50))
	pos, _, _ = store.Get(ctx, "orders-projector")
	assert.EqualValues(t, 50, pos)
}

func TestCheckpointsAreIndependentPerProjection(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	require.NoError(t, store.Set(ctx, "a", 1))
	require.NoError(t, store.Set(ctx, "b", 2))

	posA, _, _ := store.Get(ctx, "a")
	posB, _, _ := store.Get(ctx, "b")
	assert.EqualValues(t, 1, posA)
	assert.EqualValues(t, 2, posB)
}
