package observability

import (
	"context"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// usageContextKey is the private context key carrying the per-task usage
// accumulator. The accumulator is an explicit context value, not a
// thread-local: every layer that forwards ctx forwards attribution with it.
type usageContextKey struct{}

// ContextWithUsage installs an accumulator scoped to the current logical
// task. The AI transport adds one sample per provider call.
func ContextWithUsage(ctx context.Context, acc *domain.UsageAccumulator) context.Context {
	if ctx == nil || acc == nil {
		return ctx
	}
	return context.WithValue(ctx, usageContextKey{}, acc)
}

// UsageFromContext returns the accumulator in scope, or nil when the call is
// not attributed (fire-and-forget recording applies then).
func UsageFromContext(ctx context.Context) *domain.UsageAccumulator {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(usageContextKey{}); v != nil {
		if acc, ok := v.(*domain.UsageAccumulator); ok {
			return acc
		}
	}
	return nil
}
