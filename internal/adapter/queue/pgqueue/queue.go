// Package pgqueue provides the durable Postgres-backed job queue.
//
// Jobs live in the job_queue_messages table next to the business rows, so an
// enqueue inside a commit transaction is exactly as durable as the rows it
// belongs to. Workers dequeue with FOR UPDATE SKIP LOCKED and hold a
// visibility lease while running; an expired lease returns the job to the
// eligible pool.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// Querier is the subset of pgxpool.Pool the queue needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const defaultRetryLimit = 3

// Store is the queue backed by job_queue_messages. It implements
// domain.JobQueue and domain.QueueInspector.
type Store struct {
	Pool Querier

	// RetryLimit applies when the sender does not choose one.
	RetryLimit int
}

// NewStore constructs a Store with the default retry limit.
func NewStore(p Querier) *Store {
	return &Store{Pool: p, RetryLimit: defaultRetryLimit}
}

const jobColumns = `id, queue, payload, priority, state, attempts, retry_limit, next_attempt_at,
	singleton_key, singleton_until, lease_holder, lease_expires_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &j.Priority, &j.State, &j.Attempts, &j.RetryLimit,
		&j.NextAttemptAt, &j.SingletonKey, &j.SingletonUntil, &j.LeaseHolder, &j.LeaseExpiresAt,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Send inserts a pending job and returns its id.
//
// With WithMessageID the call is idempotent: when a job with that id already
// exists its id is returned instead of an error. With WithSingleton the
// insert is suppressed while another job with the same key is live or was
// inserted within the window; the surviving job's id is returned.
func (s *Store) Send(ctx domain.Context, queue string, payload any, opts ...domain.SendOption) (string, error) {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Send")
	defer span.End()

	if !domain.KnownQueue(queue) {
		return "", fmt.Errorf("%w: unknown queue %q", domain.ErrInvalidArgument, queue)
	}
	o := domain.SendOptions{Priority: domain.PriorityNormal, RetryLimit: s.RetryLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = s.RetryLimit
	}
	id := o.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.send queue=%s: %w", queue, err)
	}

	row := s.Pool.QueryRow(ctx, `
		INSERT INTO job_queue_messages (id, queue, payload, priority, state, retry_limit, next_attempt_at, singleton_key, singleton_until)
		SELECT $1, $2, $3, $4, 'pending', $5, now(), $6, now() + make_interval(secs => $7)
		WHERE $6 = '' OR NOT EXISTS (
			SELECT 1 FROM job_queue_messages
			WHERE queue = $2 AND singleton_key = $6 AND singleton_until > now()
		)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		id, queue, raw, int16(o.Priority), o.RetryLimit, o.SingletonKey, o.SingletonSeconds)
	var got string
	err = row.Scan(&got)
	if err == nil {
		observability.EnqueueJob(queue)
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=queue.send queue=%s: %w", queue, err)
	}
	return s.resolveSuppressed(ctx, queue, o, id)
}

// resolveSuppressed finds which existing job absorbed a suppressed insert.
func (s *Store) resolveSuppressed(ctx domain.Context, queue string, o domain.SendOptions, id string) (string, error) {
	if o.MessageID != "" {
		var exists bool
		err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job_queue_messages WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("op=queue.send_dedup queue=%s: %w", queue, err)
		}
		if exists {
			return id, nil
		}
	}
	if o.SingletonKey != "" {
		var got string
		err := s.Pool.QueryRow(ctx, `
			SELECT id FROM job_queue_messages
			WHERE queue = $1 AND singleton_key = $2
			  AND (singleton_until > now() OR state IN ('pending', 'running', 'failed'))
			ORDER BY created_at DESC
			LIMIT 1`, queue, o.SingletonKey).Scan(&got)
		if err != nil {
			return "", fmt.Errorf("op=queue.send_singleton queue=%s: %w", queue, err)
		}
		return got, nil
	}
	return "", fmt.Errorf("op=queue.send queue=%s id=%s: %w", queue, id, domain.ErrConflict)
}

// Dequeue claims the next eligible job for holder and grants a lease. ok is
// false when no job is due.
func (s *Store) Dequeue(ctx domain.Context, holder string, queues []string, leaseTTL time.Duration) (domain.Job, bool, error) {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `
		UPDATE job_queue_messages SET
			state = 'running',
			attempts = attempts + 1,
			lease_holder = $1,
			lease_expires_at = now() + $2,
			updated_at = now()
		WHERE id = (
			SELECT id FROM job_queue_messages
			WHERE queue = ANY($3)
			  AND state IN ('pending', 'failed')
			  AND next_attempt_at <= now()
			ORDER BY priority DESC, next_attempt_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		holder, leaseTTL, queues)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue: %w", err)
	}
	return j, true, nil
}

// Heartbeat extends the lease of a running job. ok is false when the lease
// is no longer held, meaning another worker may own the job by now.
func (s *Store) Heartbeat(ctx domain.Context, jobID, holder string, leaseTTL time.Duration) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_queue_messages
		SET lease_expires_at = now() + $3, updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND state = 'running'`,
		jobID, holder, leaseTTL)
	if err != nil {
		return false, fmt.Errorf("op=queue.heartbeat job=%s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a running job succeeded and releases the lease.
func (s *Store) Complete(ctx domain.Context, jobID, holder string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_queue_messages
		SET state = 'succeeded', lease_holder = '', lease_expires_at = 'epoch', updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND state = 'running'`,
		jobID, holder)
	if err != nil {
		return fmt.Errorf("op=queue.complete job=%s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete job=%s: %w", jobID, domain.ErrLeaseLost)
	}
	return nil
}

// Fail records a handler failure. Jobs with attempts left move to failed and
// become eligible again at now+retryIn; exhausted jobs move to dead. The
// resulting state is returned.
func (s *Store) Fail(ctx domain.Context, jobID, holder, lastError string, retryIn time.Duration) (domain.JobState, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE job_queue_messages SET
			state = CASE WHEN attempts < retry_limit THEN 'failed' ELSE 'dead' END,
			next_attempt_at = now() + $4,
			last_error = $3,
			lease_holder = '',
			lease_expires_at = 'epoch',
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND state = 'running'
		RETURNING state`,
		jobID, holder, lastError, retryIn)
	var state domain.JobState
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=queue.fail job=%s: %w", jobID, domain.ErrLeaseLost)
		}
		return "", fmt.Errorf("op=queue.fail job=%s: %w", jobID, err)
	}
	return state, nil
}

// ReapExpired returns running jobs with expired leases to the eligible pool,
// or to dead when their attempts are exhausted. It reports how many jobs were
// swept per queue.
func (s *Store) ReapExpired(ctx domain.Context) (map[string]int, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE job_queue_messages SET
			state = CASE WHEN attempts < retry_limit THEN 'pending' ELSE 'dead' END,
			last_error = 'visibility lease expired',
			lease_holder = '',
			lease_expires_at = 'epoch',
			updated_at = now()
		WHERE state = 'running' AND lease_expires_at < now()
		RETURNING queue`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.reap: %w", err)
	}
	defer rows.Close()
	swept := map[string]int{}
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("op=queue.reap_scan: %w", err)
		}
		swept[q]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.reap_scan: %w", err)
	}
	return swept, nil
}

// Stats implements domain.QueueInspector.
func (s *Store) Stats(ctx domain.Context) ([]domain.QueueStat, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT queue, state, count(*) FROM job_queue_messages
		GROUP BY queue, state
		ORDER BY queue, state`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.stats: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueStat
	for rows.Next() {
		var st domain.QueueStat
		if err := rows.Scan(&st.Queue, &st.State, &st.Count); err != nil {
			return nil, fmt.Errorf("op=queue.stats_scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.stats_scan: %w", err)
	}
	return out, nil
}

// Get returns one job by id for the ops surface.
func (s *Store) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue_messages WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=queue.get job=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.get job=%s: %w", jobID, err)
	}
	return j, nil
}
