// Package observability carries per-task correlation state through
// context: the scoped logger, the correlation id, and the usage
// accumulator. Tasks enter the system from three directions (ops HTTP
// requests, dispatch cycles, queue jobs) and every layer below them logs
// through the context so the three origins produce uniformly shaped logs.
package observability

import (
	"context"
	"log/slog"
)

type (
	loggerContextKey    struct{}
	requestIDContextKey struct{}
)

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the scoped logger, or slog.Default when the
// context carries none.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID stores the correlation id: the X-Request-Id of an
// ops call, or the job id once a task crosses the queue boundary.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the correlation id in scope, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// ContextWithTask seeds both the logger and the correlation id for a new
// logical task. Queue workers call it once per job so handler logs carry
// the job id without each handler re-deriving it.
func ContextWithTask(ctx context.Context, lg *slog.Logger, id string) context.Context {
	return ContextWithRequestID(ContextWithLogger(ctx, lg), id)
}
