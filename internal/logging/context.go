package logging

import (
	"context"

	"go.uber.org/zap"
)

type connCtxKey struct{}
type requestCtxKey struct{}

// WithConnID attaches a connection id to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connCtxKey{}, id)
}

// WithRequestID attaches a request correlation id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if id, ok := ctx.Value(connCtxKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("conn.id", id))
	}
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}
