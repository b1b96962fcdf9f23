package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed set of scan callbacks.
type rowsStub struct {
	scans []func(dest ...any) error
	pos   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.pos >= len(r.scans) {
		return false
	}
	r.pos++
	return true
}
func (r *rowsStub) Scan(dest ...any) error        { return r.scans[r.pos-1](dest...) }
func (r *rowsStub) Values() ([]any, error)        { return nil, nil }
func (r *rowsStub) RawValues() [][]byte           { return nil }
func (r *rowsStub) Conn() *pgx.Conn               { return nil }

// batchResultsStub implements pgx.BatchResults.
type batchResultsStub struct{ execErr error }

func (b batchResultsStub) Exec() (pgconn.CommandTag, error)           { return pgconn.CommandTag{}, b.execErr }
func (b batchResultsStub) Query() (pgx.Rows, error)                   { return &rowsStub{}, b.execErr }
func (b batchResultsStub) QueryRow() pgx.Row                          { return rowStub{scan: func(...any) error { return b.execErr }} }
func (b batchResultsStub) Close() error                               { return nil }

// poolStub implements postgres.PgxPool for unit tests. It records the last
// SQL and args so assertions can check conditions without a database.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     *rowsStub
	queryErr error
	batchErr error

	lastSQL  string
	lastArgs []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL, p.lastArgs = sql, args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	if p.row.scan == nil {
		return rowStub{scan: func(...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	return batchResultsStub{execErr: p.batchErr}
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }
