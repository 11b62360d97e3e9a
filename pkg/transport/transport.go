// Package transport implements catga's Publish/SendAndReceive/Subscribe
// abstraction over three backends: in-process, a NATS-style
// subject/queue-group model built on Watermill, and Redis Streams with
// consumer groups.
package transport

import (
	"context"
	"fmt"
	"time"
)

// TransportContext carries delivery metadata alongside a message body:
// message id, correlation id, message type, trace propagation, and
// free-form headers.
type TransportContext struct {
	MessageID     string
	CorrelationID string
	MessageType   string
	SentAt        time.Time
	TraceParent   string
	TraceState    string
	TraceBaggage  string
	Headers       map[string]string
}

// Header returns a header value, checking the well-known fields first.
func (c TransportContext) Header(key string) (string, bool) {
	switch key {
	case "catga.message_id":
		return c.MessageID, c.MessageID != ""
	case "catga.correlation_id":
		return c.CorrelationID, c.CorrelationID != ""
	case "catga.message_type":
		return c.MessageType, c.MessageType != ""
	case "traceparent":
		return c.TraceParent, c.TraceParent != ""
	case "tracestate":
		return c.TraceState, c.TraceState != ""
	case "catga.trace_baggage":
		return c.TraceBaggage, c.TraceBaggage != ""
	}
	v, ok := c.Headers[key]
	return v, ok
}

// Handler processes one delivered message. Returning an error causes the
// backend to Nack/redeliver, per each backend's at-least-once contract.
type Handler func(ctx context.Context, tc TransportContext, payload []byte) error

// ReplyFunc is passed to a request-handling Subscribe callback so it can
// answer a SendAndReceive caller; used only by backends that model
// request/reply as two independent Subscribes (NATS-style, Redis Streams).
type ReplyFunc func(ctx context.Context, payload []byte) error

// Transport is the abstract pub/sub + request/reply contract every backend
// implements. Generic Publish[T]/SendAndReceive[Req,Resp]/Subscribe[T]
// helpers in generic.go wrap this non-generic interface with the
// serializer, since Go methods cannot themselves carry type parameters —
// the same "dynamic dispatch → static dispatch table" translation used
// elsewhere in the mediator.
type Transport interface {
	// Publish sends payload to every subscriber of subject, fire-and-forget.
	Publish(ctx context.Context, subject string, tc TransportContext, payload []byte) error

	// SendAndReceive sends payload to subject and waits up to timeout for a
	// single reply, delivered on a per-call reply subject
	// ("catga.reply.<replyId>").
	SendAndReceive(ctx context.Context, subject string, tc TransportContext, payload []byte, timeout time.Duration) ([]byte, TransportContext, error)

	// Subscribe registers handler for subject. When queueGroup is non-empty,
	// exactly one subscriber in the group receives each message
	// (load-balanced); an empty queueGroup means every subscriber on this
	// subject receives every message (broadcast / fan-out).
	Subscribe(ctx context.Context, subject string, queueGroup string, handler Handler) (unsubscribe func() error, err error)

	// Close releases backend resources (connections, goroutines).
	Close() error
}

// Kind distinguishes request vs event subjects, per the naming scheme
// used when deriving a subject from a registered message type.
type Kind string

const (
	KindRequest Kind = "request"
	KindEvent   Kind = "event"
)

// Subject derives the canonical subject name "catga.<kind>.<typeFqn>" for a
// message's fully-qualified type name.
func Subject(kind Kind, typeFqn string) string {
	return fmt.Sprintf("catga.%s.%s", kind, typeFqn)
}

// ReplySubject derives a reply subject "catga.reply.<replyId>" for one
// in-flight SendAndReceive call.
func ReplySubject(replyID string) string {
	return fmt.Sprintf("catga.reply.%s", replyID)
}

// PublishBytesAdapter lets any Transport satisfy outbox.Publisher without
// pkg/outbox importing pkg/transport (avoiding an import cycle): it treats
// messageType as the subject's event-kind type name.
type PublishBytesAdapter struct {
	Transport Transport
}

// PublishBytes implements outbox.Publisher.
func (a PublishBytesAdapter) PublishBytes(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error {
	tc := TransportContext{MessageID: messageID, CorrelationID: correlationID, MessageType: messageType, SentAt: time.Now()}
	return a.Transport.Publish(ctx, Subject(KindEvent, messageType), tc, payload)
}
