// Package requestid carries the per-request correlation id through context.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header the id is read from and echoed in.
const Header = "X-Request-ID"

// maxLen bounds ids accepted from callers.
const maxLen = 128

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Adopt uses a caller-supplied id when it is usable, otherwise a fresh one.
func Adopt(ctx context.Context, candidate string) (context.Context, string) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(candidate) > maxLen || strings.ContainsAny(candidate, "\r\n") {
		return New(ctx)
	}
	return WithRequestID(ctx, candidate), candidate
}
