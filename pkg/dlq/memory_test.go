package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/dlq"
	"github.com/catgadev/catga/pkg/outbox"
)

func TestEnqueueFailedConvertsOutboxRecord(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()

	err := store.EnqueueFailed(ctx, &outbox.Record{
		MessageID: "M1", MessageType: "OrderCreated", Payload: []byte("{}"), Attempts: 3,
	}, errors.New("downstream unreachable"))
	require.NoError(t, err)

	records, total, err := store.List(ctx, dlq.Filter{}, dlq.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, records, 1)
	assert.Equal(t, "M1", records[0].MessageID)
	assert.Equal(t, "downstream unreachable", records[0].LastError)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestListFiltersByMessageType(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{MessageID: "M1", MessageType: "OrderCreated", Payload: []byte("x")}))
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{MessageID: "M2", MessageType: "OrderCancelled", Payload: []byte("x")}))

	records, total, err := store.List(ctx, dlq.Filter{MessageType: "OrderCreated"}, dlq.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, records, 1)
	assert.Equal(t, "M1", records[0].MessageID)
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Enqueue(ctx, &dlq.Record{MessageID: "M", MessageType: "T", Payload: []byte("x")}))
		time.Sleep(time.Millisecond)
	}

	page, total, err := store.List(ctx, dlq.Filter{}, dlq.Page{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}

func TestReplayRepublishesOriginalPayload(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{ID: "R1", MessageID: "M1", MessageType: "OrderCreated", Payload: []byte("payload")}))

	var gotType string
	var gotPayload []byte
	pub := fakeRepublisher{fn: func(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error {
		gotType = messageType
		gotPayload = payload
		return nil
	}}

	require.NoError(t, store.Replay(ctx, "R1", pub))
	assert.Equal(t, "OrderCreated", gotType)
	assert.Equal(t, []byte("payload"), gotPayload)
}

func TestReplayUnknownIDFails(t *testing.T) {
	store := dlq.NewMemoryStore()
	err := store.Replay(context.Background(), "missing", fakeRepublisher{fn: func(context.Context, string, []byte, string, string) error { return nil }})
	assert.Error(t, err)
}

func TestPurgeByIDRemovesOnlyThatRecord(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{ID: "R1", MessageID: "M1", MessageType: "T", Payload: []byte("x")}))
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{ID: "R2", MessageID: "M2", MessageType: "T", Payload: []byte("x")}))

	require.NoError(t, store.Purge(ctx, "R1", time.Time{}))

	_, total, err := store.List(ctx, dlq.Filter{}, dlq.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPurgeOlderThanRemovesExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{ID: "R1", MessageID: "M1", MessageType: "T", Payload: []byte("x")}))
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Enqueue(ctx, &dlq.Record{ID: "R2", MessageID: "M2", MessageType: "T", Payload: []byte("x")}))

	require.NoError(t, store.Purge(ctx, "", cutoff))

	records, total, err := store.List(ctx, dlq.Filter{}, dlq.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "M2", records[0].MessageID)
}

type fakeRepublisher struct {
	fn func(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error
}

func (f fakeRepublisher) PublishBytes(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error {
	return f.fn(ctx, messageType, payload, messageID, correlationID)
}
