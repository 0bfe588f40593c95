// Package pipeline enforces the fetch, compute, commit discipline for
// handlers that call models. Fetch reads a snapshot through short pool
// checkouts, Compute runs with no database connection in hand, Commit
// persists through a store method that opens exactly one transaction.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Phases describes one handler run. S is the snapshot produced by Fetch and
// consumed by the later phases, R the handler result.
type Phases[S any, R any] struct {
	// Task names the handler in spans, logs and metrics, e.g. "boundary-extract".
	Task string

	// Attribution stamps every cost record produced during Compute.
	Attribution domain.CallContext

	// Costs, when set, receives best-effort usage rows on the error paths
	// where the transactional commit never happens.
	Costs domain.CostRecorder

	// Fetch loads the snapshot. A non-nil early result ends the run before
	// Compute (cached result, missing prerequisites).
	Fetch func(ctx context.Context) (S, *R, error)

	// Compute makes the model calls. It receives no database handle; reads
	// it cannot avoid go through single round-trip closures captured at
	// construction time.
	Compute func(ctx context.Context, snapshot S) (R, error)

	// Commit persists the result together with the cost records collected
	// during Compute, all in one transaction.
	Commit func(ctx context.Context, snapshot S, result R, costs []domain.CostRecord) error
}

// Run executes the three phases in order. Usage intercepted during Compute is
// attributed and handed to Commit; when Compute or Commit fails after model
// calls were made, the usage is still recorded best-effort so spend tracking
// survives handler failures.
func Run[S any, R any](ctx context.Context, p Phases[S, R]) (R, error) {
	var zero R
	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "pipeline."+p.Task,
		trace.WithAttributes(attribute.String("pipeline.task", p.Task)))
	defer span.End()
	log := obsctx.LoggerFromContext(ctx)

	fetched, err := runPhase(ctx, tracer, p.Task, "fetch", func(ctx context.Context) (fetchOut[S, R], error) {
		s, e, err := p.Fetch(ctx)
		return fetchOut[S, R]{snapshot: s, early: e}, err
	})
	if err != nil {
		return zero, fmt.Errorf("%s fetch: %w", p.Task, err)
	}
	if fetched.early != nil {
		log.Debug("pipeline ended in fetch", slog.String("task", p.Task))
		return *fetched.early, nil
	}

	acc := &domain.UsageAccumulator{}
	result, err := runPhase(ctx, tracer, p.Task, "compute", func(ctx context.Context) (R, error) {
		return p.Compute(obsctx.ContextWithUsage(ctx, acc), fetched.snapshot)
	})
	costs := costRecords(p.Attribution, acc.Drain())
	if err != nil {
		p.salvageCosts(ctx, log, costs)
		return zero, fmt.Errorf("%s compute: %w", p.Task, err)
	}

	_, err = runPhase(ctx, tracer, p.Task, "commit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Commit(ctx, fetched.snapshot, result, costs)
	})
	if err != nil {
		p.salvageCosts(ctx, log, costs)
		return zero, fmt.Errorf("%s commit: %w", p.Task, err)
	}
	return result, nil
}

type fetchOut[S any, R any] struct {
	snapshot S
	early    *R
}

func runPhase[T any](ctx context.Context, tracer trace.Tracer, task, phase string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "pipeline."+phase)
	defer span.End()
	start := time.Now()
	out, err := fn(ctx)
	observability.PipelinePhaseDuration.WithLabelValues(task, phase).Observe(time.Since(start).Seconds())
	return out, err
}

// salvageCosts records usage out of transaction when the commit path is gone.
// Failures are logged and swallowed; spend tracking must never fail a handler
// twice.
func (p Phases[S, R]) salvageCosts(ctx context.Context, log *slog.Logger, costs []domain.CostRecord) {
	if p.Costs == nil || len(costs) == 0 {
		return
	}
	for _, rec := range costs {
		if err := p.Costs.RecordUsage(ctx, rec); err != nil {
			log.Warn("salvage cost record failed",
				slog.String("task", p.Task),
				slog.String("model", rec.Model),
				slog.Any("error", err))
		}
	}
}

// costRecords converts intercepted usage samples into persistable rows
// carrying the task attribution.
func costRecords(call domain.CallContext, samples []domain.UsageSample) []domain.CostRecord {
	if len(samples) == 0 {
		return nil
	}
	out := make([]domain.CostRecord, 0, len(samples))
	for _, s := range samples {
		out = append(out, domain.CostRecord{
			WorkspaceID:      call.WorkspaceID,
			ActorID:          call.ActorID,
			SessionID:        call.SessionID,
			FunctionID:       call.FunctionID,
			Origin:           call.Origin,
			Model:            s.Model,
			Provider:         s.Provider,
			PromptTokens:     s.Usage.PromptTokens,
			CompletionTokens: s.Usage.CompletionTokens,
			TotalTokens:      s.Usage.TotalTokens,
			CostUSD:          s.Usage.CostUSD,
			Estimated:        s.Usage.Estimated,
		})
	}
	return out
}
