package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// EventLogRepo reads and appends the outbox event log. Every append also
// notifies Channel so dispatchers wake without waiting for the poll tick.
type EventLogRepo struct {
	Pool    PgxPool
	Channel string
}

// NewEventLogRepo constructs an EventLogRepo notifying the given channel.
func NewEventLogRepo(p PgxPool, channel string) *EventLogRepo {
	if channel == "" {
		channel = "outbox_event"
	}
	return &EventLogRepo{Pool: p, Channel: channel}
}

// Append inserts one event outside any caller transaction.
func (r *EventLogRepo) Append(ctx domain.Context, eventType string, payload any) (domain.Event, error) {
	tracer := otel.Tracer("repo.eventlog")
	ctx, span := tracer.Start(ctx, "eventlog.Append")
	defer span.End()
	return appendEvent(ctx, r.Pool, r.Channel, eventType, payload)
}

// appendEvent inserts one event through q, which may be a transaction. The
// notify rides the same transaction, so listeners wake only after the row is
// visible.
func appendEvent(ctx domain.Context, q Querier, channel, eventType string, payload any) (domain.Event, error) {
	if !domain.KnownEventType(eventType) {
		return domain.Event{}, fmt.Errorf("op=eventlog.append type=%s: %w", eventType, domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("op=eventlog.append_marshal: %w", err)
	}
	ev := domain.Event{EventType: eventType, Payload: raw}
	row := q.QueryRow(ctx, `INSERT INTO events (event_type, payload) VALUES ($1, $2) RETURNING id, created_at`, eventType, raw)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return domain.Event{}, fmt.Errorf("op=eventlog.append: %w", err)
	}
	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, fmt.Sprintf("%d", ev.ID)); err != nil {
		return domain.Event{}, fmt.Errorf("op=eventlog.notify: %w", err)
	}
	observability.EventsAppendedTotal.Inc()
	return ev, nil
}

// FetchAfter returns up to maxBatch events with id > after, excluding the
// given ids, in ascending id order.
func (r *EventLogRepo) FetchAfter(ctx domain.Context, after int64, maxBatch int, exclude []int64) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.eventlog")
	ctx, span := tracer.Start(ctx, "eventlog.FetchAfter")
	defer span.End()
	if exclude == nil {
		exclude = []int64{}
	}
	q := `SELECT id, event_type, payload, created_at FROM events
	WHERE id > $1 AND NOT (id = ANY($2))
	ORDER BY id ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, after, exclude, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("op=eventlog.fetch_after: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=eventlog.fetch_after_scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=eventlog.fetch_after_rows: %w", err)
	}
	return out, nil
}

// LatestID returns the greatest assigned event id, 0 when the log is empty.
func (r *EventLogRepo) LatestID(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.eventlog")
	ctx, span := tracer.Start(ctx, "eventlog.LatestID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=eventlog.latest_id: %w", err)
	}
	return id, nil
}
