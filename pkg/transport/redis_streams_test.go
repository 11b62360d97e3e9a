package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/transport"
)

func newMiniredisTransport(t *testing.T) *transport.RedisStreams {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return transport.NewRedisStreams(client, logging.NewNop())
}

func TestRedisStreamsPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newMiniredisTransport(t)

	received := make(chan string, 1)
	_, err := tr.Subscribe(ctx, "catga.event.Ping", "workers", func(ctx context.Context, tc transport.TransportContext, payload []byte) error {
		received <- string(payload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "catga.event.Ping", transport.TransportContext{MessageID: "m1", MessageType: "Ping"}, []byte("pong")))

	select {
	case got := <-received:
		assert.Equal(t, "pong", got)
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestRedisStreamsSendAndReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newMiniredisTransport(t)

	_, err := tr.Subscribe(ctx, "catga.request.Echo", "workers", func(ctx context.Context, tc transport.TransportContext, payload []byte) error {
		replySubject, _ := tc.Header("catga.reply_subject")
		return tr.Publish(ctx, replySubject, transport.TransportContext{}, payload)
	})
	require.NoError(t, err)

	resp, _, err := tr.SendAndReceive(ctx, "catga.request.Echo", transport.TransportContext{MessageID: "req-1"}, []byte("hello"), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp))
}

func TestRedisStreamsPreservesHeadersAndTraceContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newMiniredisTransport(t)

	received := make(chan transport.TransportContext, 1)
	_, err := tr.Subscribe(ctx, "catga.event.Traced", "workers", func(ctx context.Context, tc transport.TransportContext, payload []byte) error {
		received <- tc
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "catga.event.Traced", transport.TransportContext{
		MessageID:   "m2",
		TraceParent: "00-trace-span-01",
		Headers:     map[string]string{"x-custom": "value"},
	}, []byte("x")))

	select {
	case tc := <-received:
		assert.Equal(t, "m2", tc.MessageID)
		assert.Equal(t, "00-trace-span-01", tc.TraceParent)
		v, ok := tc.Header("x-custom")
		assert.True(t, ok)
		assert.Equal(t, "value", v)
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}
}
