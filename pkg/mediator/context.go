package mediator

import "context"

// contextKey is an unexported type to prevent key collisions in context.
type contextKey string

const (
	correlationIDKey contextKey = "catga_correlation_id"
	messageIDKey     contextKey = "catga_message_id"
)

// WithCorrelationID attaches a correlation id to ctx, propagated to every
// Send/Publish dispatch made with the returned context and to any nested
// dispatch a handler makes using it.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// correlationIDFromContext returns the attached correlation id, or "" if
// none was set — Send/Publish then leave the envelope's CorrelationID empty.
func correlationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithMessageID attaches a stable message id to ctx, used as the envelope's
// MessageID by the next Send dispatch made with the returned context
// instead of minting a fresh uuid; Publish ignores it and mints a fresh
// uuid for each handler's envelope. This is what makes idempotent
// replay reachable from outside the package: a caller that resends the same
// request with the same WithMessageID context gets the cached outcome
// instead of re-invoking the handler.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey, messageID)
}

// messageIDFromContext returns the attached message id, or "" if none was
// set — Send then mints a fresh uuid as the default.
func messageIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey).(string)
	return id
}
