package logging

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	endpointIDKey
)

// WithRequestID attaches a correlation id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the correlation id, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithEndpointID attaches the tenant scope to the context so downstream
// components log under the right endpoint override.
func WithEndpointID(ctx context.Context, endpointID string) context.Context {
	return context.WithValue(ctx, endpointIDKey, endpointID)
}

// EndpointIDFrom returns the tenant scope, or "".
func EndpointIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(endpointIDKey).(string)
	return id
}
