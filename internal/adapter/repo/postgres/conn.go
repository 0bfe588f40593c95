// Package postgres provides PostgreSQL database adapters.
//
// It implements the event log, listener cursors, chat reads, worker commit
// stores, cost records and the retrieval cache. Composite commit methods
// open their own transaction; read helpers accept any Querier so the same
// SQL runs inside those transactions.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

// Querier is the query subset shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface{ Scan(dest ...any) error }

// NewPool creates a pgx connection pool from the provided config and pings
// it before returning.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = cfg.DBMaxConns
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBAcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
