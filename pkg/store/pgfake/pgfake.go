// Package pgfake is an in-process stand-in for the narrow pgx surface the
// Postgres-backed stores depend on. It records statements and replays
// scripted rows.
package pgfake

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Call struct {
	SQL  string
	Args []any
}

type DB struct {
	mu       sync.Mutex
	Execs    []Call
	Queries  []Call
	ExecErr  error
	QueryErr error
	// Rows is returned by the next Query or QueryRow.
	Rows [][]any
	Tag  string
}

func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Execs = append(d.Execs, Call{SQL: sql, Args: append([]any(nil), args...)})
	tag := d.Tag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return pgconn.NewCommandTag(tag), d.ExecErr
}

func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Queries = append(d.Queries, Call{SQL: sql, Args: append([]any(nil), args...)})
	if d.QueryErr != nil {
		return nil, d.QueryErr
	}
	return &Rows{values: d.Rows}, nil
}

func (d *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Queries = append(d.Queries, Call{SQL: sql, Args: append([]any(nil), args...)})
	if d.QueryErr != nil {
		return &Row{err: d.QueryErr}
	}
	if len(d.Rows) == 0 {
		return &Row{err: pgx.ErrNoRows}
	}
	return &Row{values: d.Rows[0]}
}

func (d *DB) ExecCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Execs)
}

func (d *DB) LastExec() Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Execs) == 0 {
		return Call{}
	}
	return d.Execs[len(d.Execs)-1]
}

type Row struct {
	values []any
	err    error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type Rows struct {
	values [][]any
	i      int
	cur    []any
	closed bool
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Err() error                                   { return nil }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.closed || r.i >= len(r.values) {
		return false
	}
	r.cur = r.values[r.i]
	r.i++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.cur == nil {
		return errors.New("pgfake: scan without row")
	}
	return assignAll(dest, r.cur)
}

func (r *Rows) Values() ([]any, error) {
	return append([]any(nil), r.cur...), nil
}

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
	target := dv.Elem()
	if val == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(val)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %T", val, dest)
	}
	return nil
}
