package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/result"
	"github.com/catgadev/catga/pkg/serializer"
)

// TypeName is supplied by callers registering a message type, since Go
// cannot derive a stable fully-qualified name from a generic type parameter
// at compile time the way a reflective runtime can. Mediator registration
// (pkg/mediator) is the usual source of this string.
type TypeName = string

// Publish serializes event and publishes it fire-and-forget under typeName.
func Publish[T any](ctx context.Context, t Transport, s serializer.Serializer, typeName TypeName, event T, tc TransportContext) result.Result[struct{}] {
	enc := s.Serialize(event)
	data, ok := enc.Value()
	if !ok {
		return result.Failure[struct{}](enc.Code(), enc.Message())
	}
	tc.MessageType = typeName
	if tc.SentAt.IsZero() {
		tc.SentAt = time.Now()
	}
	if err := t.Publish(ctx, Subject(KindEvent, typeName), tc, data); err != nil {
		return result.FailureWithCause[struct{}](catgaerr.TransportFailed, "publish failed", err)
	}
	return result.Success(struct{}{})
}

// SendAndReceive serializes req, sends it under typeName, and deserializes
// the reply into a TResp.
func SendAndReceive[TReq any, TResp any](ctx context.Context, t Transport, s serializer.Serializer, typeName TypeName, req TReq, tc TransportContext, timeout time.Duration) result.Result[TResp] {
	var zero TResp
	enc := s.Serialize(req)
	data, ok := enc.Value()
	if !ok {
		return result.Failure[TResp](enc.Code(), enc.Message())
	}
	tc.MessageType = typeName
	if tc.SentAt.IsZero() {
		tc.SentAt = time.Now()
	}
	replyBytes, _, err := t.SendAndReceive(ctx, Subject(KindRequest, typeName), tc, data, timeout)
	if err != nil {
		return result.FailureWithCause[TResp](catgaerr.TransportFailed, "send and receive failed", err)
	}
	var resp TResp
	dec := s.Deserialize(replyBytes, &resp)
	if dec.IsFailure() {
		return result.Failure[TResp](dec.Code(), dec.Message())
	}
	_ = zero
	return result.Success(resp)
}

// Subscribe registers a typed handler for typeName, deserializing each
// delivered payload into a T before calling fn.
func Subscribe[T any](ctx context.Context, t Transport, s serializer.Serializer, typeName TypeName, queueGroup string, fn func(ctx context.Context, tc TransportContext, msg T) error) (func() error, error) {
	return t.Subscribe(ctx, Subject(KindEvent, typeName), queueGroup, func(ctx context.Context, tc TransportContext, payload []byte) error {
		var msg T
		dec := s.Deserialize(payload, &msg)
		if dec.IsFailure() {
			return fmt.Errorf("transport: deserializing %s: %s", typeName, dec.Message())
		}
		return fn(ctx, tc, msg)
	})
}
