package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/outbox"
)

func TestMemoryStoreAppendAndLease(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()

	require.NoError(t, store.Append(ctx, &outbox.Record{
		MessageID: "M1", MessageType: "OrderCreated", Partition: "orders", Payload: []byte("{}"),
	}))

	leased, err := store.LeasePending(ctx, "orders", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, outbox.Publishing, leased[0].Status)

	again, err := store.LeasePending(ctx, "orders", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "already-leased record with a live lease must not be re-leased")
}

func TestMemoryStoreExpiredLeaseRevertsToPending(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()

	require.NoError(t, store.Append(ctx, &outbox.Record{MessageID: "M2", MessageType: "T", Payload: []byte("x")}))

	_, err := store.LeasePending(ctx, "", 10, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	leased, err := store.LeasePending(ctx, "", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1, "expired Publishing lease must revert to leasable Pending")
}

func TestMemoryStoreMarkFailedRetriesThenTerminates(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()

	require.NoError(t, store.Append(ctx, &outbox.Record{ID: "R1", MessageID: "M3", MessageType: "T", Payload: []byte("x")}))
	_, err := store.LeasePending(ctx, "", 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, "R1", errors.New("boom"), 3))
	rec, ok := store.Get("R1")
	require.True(t, ok)
	assert.Equal(t, outbox.Pending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	for i := 0; i < 2; i++ {
		_, _ = store.LeasePending(ctx, "", 10, time.Minute)
		require.NoError(t, store.MarkFailed(ctx, "R1", errors.New("boom"), 3))
	}
	rec, _ = store.Get("R1")
	assert.Equal(t, outbox.Failed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestMemoryStoreFIFOWithinPartition(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &outbox.Record{
			MessageID: "M", MessageType: "T", Partition: "p1", Payload: []byte("x"),
		}))
		time.Sleep(time.Millisecond)
	}

	leased, err := store.LeasePending(ctx, "p1", 100, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 5)
	for i := 1; i < len(leased); i++ {
		assert.False(t, leased[i].CreatedAt.Before(leased[i-1].CreatedAt))
	}
}

func TestPublisherLoopPublishesLeasedBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := outbox.NewMemoryStore()
	require.NoError(t, store.Append(ctx, &outbox.Record{ID: "R2", MessageID: "M4", MessageType: "T", Payload: []byte("payload")}))

	published := make(chan string, 1)
	pub := fakePublisher{fn: func(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error {
		published <- messageID
		return nil
	}}

	loop := outbox.NewPublisherLoop(store, pub, nil, outbox.PublisherLoopConfig{PollInterval: 5 * time.Millisecond}, logging.NewNop())
	go loop.Start(ctx)
	defer loop.Stop()

	select {
	case id := <-published:
		assert.Equal(t, "M4", id)
	case <-time.After(time.Second):
		t.Fatal("publisher loop never published the leased record")
	}
}

type fakePublisher struct {
	fn func(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error
}

func (f fakePublisher) PublishBytes(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error {
	return f.fn(ctx, messageType, payload, messageID, correlationID)
}
