package iris

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLConnector opens IRIS connections through a database/sql driver.
// Each Connect call produces its own *sql.DB capped at one underlying
// connection, so a Conn behaves like the dedicated socket the pool
// expects and transaction state stays pinned to it.
type SQLConnector struct {
	Driver string // registered database/sql driver name
	DSN    string
	Target string // host:port/namespace, for logs
}

// Connect opens and verifies one connection.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening iris connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying iris connection to %s: %w", c.Target, err)
	}
	return &sqlConn{db: db}, nil
}

func (c *SQLConnector) Name() string { return c.Target }

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some statements report no row count; treat as zero.
		n = 0
	}
	return Result{RowsAffected: n}, nil
}

func (c *sqlConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqlConn) Close() error { return c.db.Close() }

type sqlRows struct {
	rows *sql.Rows
	meta []ColumnMeta
}

func (r *sqlRows) Columns() ([]ColumnMeta, error) {
	if r.meta != nil {
		return r.meta, nil
	}
	types, err := r.rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column metadata: %w", err)
	}
	meta := make([]ColumnMeta, len(types))
	for i, ct := range types {
		m := ColumnMeta{Name: ct.Name(), TypeName: ct.DatabaseTypeName()}
		if p, s, ok := ct.DecimalSize(); ok {
			m.Precision, m.Scale = p, s
		} else if length, ok := ct.Length(); ok {
			m.Precision = length
		}
		if nullable, ok := ct.Nullable(); ok {
			m.Nullable = nullable
		} else {
			m.Nullable = true
		}
		meta[i] = m
	}
	r.meta = meta
	return meta, nil
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Values() ([]any, error) {
	meta, err := r.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(meta))
	ptrs := make([]any, len(meta))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Err() error { return r.rows.Err() }

func (r *sqlRows) Close() error { return r.rows.Close() }
