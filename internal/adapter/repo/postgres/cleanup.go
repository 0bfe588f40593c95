package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService prunes aged rows: dispatched events, terminal jobs, cache
// entries and message edit history. Events are only removed below the
// slowest listener cursor, so retention never destroys undispatched work.
type CleanupService struct {
	Pool               *pgxpool.Pool
	EventRetentionDays int
	JobRetentionDays   int
	CacheRetentionDays int
}

// NewCleanupService creates a cleanup service with day-based retention.
func NewCleanupService(pool *pgxpool.Pool, eventDays, jobDays, cacheDays int) *CleanupService {
	if eventDays <= 0 {
		eventDays = 90
	}
	if jobDays <= 0 {
		jobDays = 14
	}
	if cacheDays <= 0 {
		cacheDays = 7
	}
	return &CleanupService{
		Pool:               pool,
		EventRetentionDays: eventDays,
		JobRetentionDays:   jobDays,
		CacheRetentionDays: cacheDays,
	}
}

// CleanupOldData removes data older than the retention periods.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	eventCutoff := time.Now().AddDate(0, 0, -s.EventRetentionDays)
	jobCutoff := time.Now().AddDate(0, 0, -s.JobRetentionDays)
	cacheCutoff := time.Now().AddDate(0, 0, -s.CacheRetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The floor is the slowest cursor; a deployment with no listeners yet
	// has floor 0 and keeps everything.
	var floor int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MIN(last_processed_id), 0) FROM listener_cursors`).Scan(&floor); err != nil {
		return fmt.Errorf("op=cleanup.cursor_floor: %w", err)
	}
	evTag, err := tx.Exec(ctx, `DELETE FROM events WHERE id <= $1 AND created_at < $2`, floor, eventCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.events: %w", err)
	}

	jobTag, err := tx.Exec(ctx, `
		DELETE FROM job_queue_messages
		WHERE state IN ('succeeded', 'dead') AND updated_at < $1`, jobCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	cacheTag, err := tx.Exec(ctx, `DELETE FROM retrieval_cache WHERE created_at < $1`, cacheCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.cache: %w", err)
	}

	verTag, err := tx.Exec(ctx, `DELETE FROM message_versions WHERE created_at < $1`, eventCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.versions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_events", evTag.RowsAffected()),
		slog.Int64("deleted_jobs", jobTag.RowsAffected()),
		slog.Int64("deleted_cache_entries", cacheTag.RowsAffected()),
		slog.Int64("deleted_message_versions", verTag.RowsAffected()),
		slog.Int64("event_floor", floor),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
