// Package trace generates trace IDs and carries them through a context so
// every log line and audit row of one request can be correlated.
package trace

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}

// GenerateID returns a new trace ID such as "t_3f2b...".
func GenerateID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// Ensure returns ctx unchanged when it already carries a trace ID, and a
// child with a fresh one otherwise.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Logger returns the default logger annotated with the context's trace ID.
func Logger(ctx context.Context) *slog.Logger {
	if id := FromContext(ctx); id != "" {
		return slog.Default().With("trace", id)
	}
	return slog.Default()
}
