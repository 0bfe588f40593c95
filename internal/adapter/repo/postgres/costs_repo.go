package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// CostRepo persists AI usage rows and answers month-to-date spend.
type CostRepo struct{ Pool PgxPool }

// NewCostRepo constructs a CostRepo with the given pool.
func NewCostRepo(p PgxPool) *CostRepo { return &CostRepo{Pool: p} }

// RecordUsage inserts one usage row. Callers treat failures as non-fatal.
func (r *CostRepo) RecordUsage(ctx domain.Context, rec domain.CostRecord) error {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.RecordUsage")
	defer span.End()
	return insertCost(ctx, r.Pool, rec)
}

func insertCost(ctx domain.Context, q Querier, rec domain.CostRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO ai_usage_logs
			(id, workspace_id, actor_id, session_id, function_id, model, provider, origin,
			 prompt_tokens, completion_tokens, total_tokens, cost_usd, estimated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		id, rec.WorkspaceID, rec.ActorID, rec.SessionID, rec.FunctionID, rec.Model, rec.Provider, rec.Origin,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, rec.Estimated, created)
	if err != nil {
		return fmt.Errorf("op=costs.record: %w", err)
	}
	return nil
}

func insertCosts(ctx domain.Context, q Querier, recs []domain.CostRecord) error {
	for _, rec := range recs {
		if err := insertCost(ctx, q, rec); err != nil {
			return err
		}
	}
	return nil
}

// MonthToDateUSD sums the workspace's spend since the start of the current
// calendar month.
func (r *CostRepo) MonthToDateUSD(ctx domain.Context, workspaceID string) (float64, error) {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.MonthToDateUSD")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM ai_usage_logs
		WHERE workspace_id = $1 AND created_at >= date_trunc('month', now())`, workspaceID)
	var usd float64
	if err := row.Scan(&usd); err != nil {
		return 0, fmt.Errorf("op=costs.month_to_date: %w", err)
	}
	return usd, nil
}
