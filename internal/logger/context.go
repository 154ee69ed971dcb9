package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey int

const (
	requestIDKey contextKey = iota
	orchestrationIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOrchestrationID returns a new context carrying the orchestration ID.
func WithOrchestrationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orchestrationIDKey, id)
}

// OrchestrationID extracts the orchestration ID from the context.
func OrchestrationID(ctx context.Context) string {
	id, _ := ctx.Value(orchestrationIDKey).(string)
	return id
}
