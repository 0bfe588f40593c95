package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// SpendReader answers month-to-date spend from the usage log.
type SpendReader interface {
	MonthToDateUSD(ctx domain.Context, workspaceID string) (float64, error)
}

// Budget implements domain.BudgetEnforcer: month-to-date spend against the
// workspace's monthly budget, with verdicts driven by the policy thresholds.
// A redis cache bounds usage-log reads; spend recorded through
// SpendObservingRecorder folds into the cached figure immediately, so the
// TTL only bounds staleness of spend written by other processes.
type Budget struct {
	policy config.BudgetPolicy
	spend  SpendReader
	rdb    *redis.Client
	ttl    time.Duration
	add    *redis.Script
}

// addSpendScript increments the cached month figure only when it exists.
// Seeding a cold key with a single call's delta would understate the month.
const addSpendScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
end
return false
`

// NewBudget constructs the enforcer. rdb may be nil; every check then reads
// the usage log directly.
func NewBudget(policy config.BudgetPolicy, spend SpendReader, rdb *redis.Client, cacheTTL time.Duration) *Budget {
	return &Budget{
		policy: policy,
		spend:  spend,
		rdb:    rdb,
		ttl:    cacheTTL,
		add:    redis.NewScript(addSpendScript),
	}
}

// CheckBudget returns the verdict for one prospective call. A workspace with
// no positive budget configured is unlimited.
func (b *Budget) CheckBudget(ctx domain.Context, workspaceID, requestedModel string) (domain.BudgetStatus, error) {
	monthly := b.policy.BudgetFor(workspaceID)
	if monthly <= 0 {
		return domain.BudgetStatus{Reason: domain.BudgetWithinBudget, Allowed: true}, nil
	}
	used, err := b.monthToDate(ctx, workspaceID)
	if err != nil {
		return domain.BudgetStatus{}, fmt.Errorf("month-to-date spend: %w", err)
	}
	st := domain.BudgetStatus{
		CurrentUsageUSD: used,
		BudgetUSD:       monthly,
		PercentUsed:     used / monthly * 100,
	}
	switch {
	case st.PercentUsed >= b.policy.HardLimitPercent:
		st.Reason = domain.BudgetHardLimit
	case st.PercentUsed >= b.policy.SoftLimitPercent:
		st.Reason = domain.BudgetSoftLimit
		st.Allowed = true
		if sub, ok := b.policy.SubstituteFor(requestedModel); ok {
			st.RecommendedModel = sub
		}
	default:
		st.Reason = domain.BudgetWithinBudget
		st.Allowed = true
	}
	return st, nil
}

// ObserveSpend folds freshly recorded spend into the cached month figure so
// concurrent checks see it before the next TTL refresh. A cold cache stays
// cold. Cache failures are logged and swallowed.
func (b *Budget) ObserveSpend(ctx domain.Context, workspaceID string, costUSD float64) {
	if b.rdb == nil || workspaceID == "" || costUSD <= 0 {
		return
	}
	err := b.add.Run(ctx, b.rdb, []string{b.monthKey(workspaceID)}, costUSD).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		obsctx.LoggerFromContext(ctx).Warn("budget cache increment failed",
			slog.String("workspace_id", workspaceID), slog.Any("error", err))
	}
}

func (b *Budget) monthToDate(ctx domain.Context, workspaceID string) (float64, error) {
	key := b.monthKey(workspaceID)
	if b.rdb != nil {
		val, err := b.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			if usd, perr := strconv.ParseFloat(val, 64); perr == nil {
				return usd, nil
			}
		case !errors.Is(err, redis.Nil):
			obsctx.LoggerFromContext(ctx).Warn("budget cache read failed",
				slog.String("workspace_id", workspaceID), slog.Any("error", err))
		}
	}
	usd, err := b.spend.MonthToDateUSD(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	if b.rdb != nil {
		if err := b.rdb.Set(ctx, key, strconv.FormatFloat(usd, 'f', -1, 64), b.ttl).Err(); err != nil {
			obsctx.LoggerFromContext(ctx).Warn("budget cache write failed",
				slog.String("workspace_id", workspaceID), slog.Any("error", err))
		}
	}
	return usd, nil
}

// monthKey scopes the cache to the calendar month, so a new month starts
// cold instead of inheriting stale spend.
func (b *Budget) monthKey(workspaceID string) string {
	return "budget:mtd:" + workspaceID + ":" + time.Now().UTC().Format("2006-01")
}

// SpendObservingRecorder decorates a CostRecorder so every persisted row is
// also folded into the budget cache.
type SpendObservingRecorder struct {
	Base   domain.CostRecorder
	Budget *Budget
}

func (r SpendObservingRecorder) RecordUsage(ctx domain.Context, rec domain.CostRecord) error {
	if err := r.Base.RecordUsage(ctx, rec); err != nil {
		return err
	}
	if r.Budget != nil {
		r.Budget.ObserveSpend(ctx, rec.WorkspaceID, rec.CostUSD)
	}
	return nil
}
