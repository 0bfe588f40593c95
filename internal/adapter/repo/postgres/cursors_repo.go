package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// CursorRepo persists listener cursors and arbitrates leases by a single
// compare-and-set UPDATE. A lease is free when lease_holder is empty or
// lease_expires_at has passed.
type CursorRepo struct{ Pool PgxPool }

// NewCursorRepo constructs a CursorRepo with the given pool.
func NewCursorRepo(p PgxPool) *CursorRepo { return &CursorRepo{Pool: p} }

const cursorColumns = `listener_id, last_processed_id, processed_ids, lease_holder, lease_expires_at, updated_at`

func scanCursor(row rowScanner) (domain.ListenerCursor, error) {
	var c domain.ListenerCursor
	err := row.Scan(&c.ListenerID, &c.LastProcessedID, &c.ProcessedIDs, &c.LeaseHolder, &c.LeaseExpiresAt, &c.UpdatedAt)
	return c, err
}

// Acquire attempts the lease CAS. ok is false when another live holder owns
// the lease. Re-acquiring an own lease extends it.
func (r *CursorRepo) Acquire(ctx domain.Context, listenerID, holder string, ttl time.Duration) (domain.ListenerCursor, bool, error) {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Acquire")
	defer span.End()
	// First boot and takeover share one code path once the row exists.
	if _, err := r.Pool.Exec(ctx, `
		INSERT INTO listener_cursors (listener_id)
		VALUES ($1)
		ON CONFLICT (listener_id) DO NOTHING`, listenerID); err != nil {
		return domain.ListenerCursor{}, false, fmt.Errorf("op=cursor.ensure: %w", err)
	}
	row := r.Pool.QueryRow(ctx, `
		UPDATE listener_cursors
		SET lease_holder = $2, lease_expires_at = now() + $3, updated_at = now()
		WHERE listener_id = $1
		  AND (lease_holder = '' OR lease_holder = $2 OR lease_expires_at < now())
		RETURNING `+cursorColumns, listenerID, holder, ttl)
	c, err := scanCursor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListenerCursor{}, false, nil
	}
	if err != nil {
		return domain.ListenerCursor{}, false, fmt.Errorf("op=cursor.acquire: %w", err)
	}
	return c, true, nil
}

// Extend renews the lease; ok is false when the lease was stolen.
func (r *CursorRepo) Extend(ctx domain.Context, listenerID, holder string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Extend")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `
		UPDATE listener_cursors
		SET lease_expires_at = now() + $3, updated_at = now()
		WHERE listener_id = $1 AND lease_holder = $2`, listenerID, holder, ttl)
	if err != nil {
		return false, fmt.Errorf("op=cursor.extend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Save persists cursor progress under the lease. Returns ErrLeaseLost when
// the holder no longer owns the lease.
func (r *CursorRepo) Save(ctx domain.Context, listenerID, holder string, lastProcessedID int64, processedIDs []int64) error {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Save")
	defer span.End()
	if processedIDs == nil {
		processedIDs = []int64{}
	}
	tag, err := r.Pool.Exec(ctx, `
		UPDATE listener_cursors
		SET last_processed_id = $3, processed_ids = $4, updated_at = now()
		WHERE listener_id = $1 AND lease_holder = $2`, listenerID, holder, lastProcessedID, processedIDs)
	if err != nil {
		return fmt.Errorf("op=cursor.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cursor.save listener=%s: %w", listenerID, domain.ErrLeaseLost)
	}
	return nil
}

// Release frees the lease. Releasing a stolen lease is a no-op.
func (r *CursorRepo) Release(ctx domain.Context, listenerID, holder string) error {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Release")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `
		UPDATE listener_cursors
		SET lease_holder = '', lease_expires_at = 'epoch', updated_at = now()
		WHERE listener_id = $1 AND lease_holder = $2`, listenerID, holder)
	if err != nil {
		return fmt.Errorf("op=cursor.release: %w", err)
	}
	return nil
}

// Get loads one cursor row.
func (r *CursorRepo) Get(ctx domain.Context, listenerID string) (domain.ListenerCursor, error) {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+cursorColumns+` FROM listener_cursors WHERE listener_id = $1`, listenerID)
	c, err := scanCursor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListenerCursor{}, fmt.Errorf("op=cursor.get listener=%s: %w", listenerID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ListenerCursor{}, fmt.Errorf("op=cursor.get: %w", err)
	}
	return c, nil
}

// List returns all cursors for the ops surface.
func (r *CursorRepo) List(ctx domain.Context) ([]domain.ListenerCursor, error) {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+cursorColumns+` FROM listener_cursors ORDER BY listener_id`)
	if err != nil {
		return nil, fmt.Errorf("op=cursor.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ListenerCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("op=cursor.list_scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=cursor.list_rows: %w", err)
	}
	return out, nil
}
