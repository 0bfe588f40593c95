package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// call records one statement the stub saw.
type call struct {
	sql  string
	args []any
}

// poolStub implements PgxPool for tests. Responses are consumed in order
// per method; an exhausted queue falls back to the zero response.
type poolStub struct {
	calls []call

	execTags []pgconn.CommandTag
	execErrs []error
	rows     []rowStub
	queryErr error
}

func tag(rowsAffected int64) pgconn.CommandTag {
	if rowsAffected == 0 {
		return pgconn.NewCommandTag("UPDATE 0")
	}
	return pgconn.NewCommandTag("UPDATE 1")
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.calls = append(p.calls, call{sql: sql, args: args})
	var t pgconn.CommandTag
	if len(p.execTags) > 0 {
		t = p.execTags[0]
		p.execTags = p.execTags[1:]
	} else {
		t = tag(1)
	}
	var err error
	if len(p.execErrs) > 0 {
		err = p.execErrs[0]
		p.execErrs = p.execErrs[1:]
	}
	return t, err
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.calls = append(p.calls, call{sql: sql, args: args})
	if len(p.rows) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	r := p.rows[0]
	p.rows = p.rows[1:]
	return r
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.calls = append(p.calls, call{sql: sql, args: args})
	return nil, p.queryErr
}

func (p *poolStub) Begin(_ context.Context) (pgx.Tx, error) {
	return nil, errors.New("begin not supported by poolStub")
}
