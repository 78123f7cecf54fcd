package server

import (
	"context"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
)

// RequestIDFromContext returns the request ID from the context, if present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}
