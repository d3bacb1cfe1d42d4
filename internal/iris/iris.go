// Package iris abstracts the connection to an InterSystems IRIS server.
// The gateway executes translated SQL through the Conn interface; the
// concrete implementation binds a database/sql driver, and tests swap in
// a scripted stub.
package iris

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/jackc/pgerrcode"
)

// ColumnMeta describes one result column as reported by IRIS.
type ColumnMeta struct {
	Name      string
	TypeName  string // IRIS SQL type, e.g. VARCHAR, INTEGER, VECTOR
	Precision int64
	Scale     int64
	Nullable  bool
}

// Rows is a streaming result set. Values come back as driver values:
// int64, float64, bool, string, []byte, time.Time or nil.
type Rows interface {
	Columns() ([]ColumnMeta, error)
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// Result reports the outcome of a non-query statement.
type Result struct {
	RowsAffected int64
}

// Conn is a single dedicated IRIS connection. Implementations are not
// safe for concurrent use; the pool hands each one to a single session
// at a time.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens new Conns. The pool holds one Connector for its
// lifetime.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	// Name identifies the target for logs, e.g. "iris.example.com:1972/USER".
	Name() string
}

// sqlcodeRe pulls the SQLCODE out of IRIS error text, which arrives in
// shapes like "[SQLCODE: <-30>:<Table or view not found>]".
var sqlcodeRe = regexp.MustCompile(`SQLCODE:?\s*<?(-?\d+)>?`)

// SQLState maps an IRIS execution error to the PostgreSQL SQLSTATE the
// client should see. Unrecognized errors report as internal.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pgerrcode.QueryCanceled
	}

	code, ok := sqlcode(err)
	if !ok {
		return pgerrcode.InternalError
	}
	switch code {
	case -1, -4, -12, -19, -25, -26, -27, -28:
		return pgerrcode.SyntaxError
	case -29:
		return pgerrcode.UndefinedColumn
	case -30, -51:
		return pgerrcode.UndefinedTable
	case -37, -62:
		return pgerrcode.DatatypeMismatch
	case -99:
		return pgerrcode.InsufficientPrivilege
	case -104, -105:
		return pgerrcode.CheckViolation
	case -108:
		return pgerrcode.NotNullViolation
	case -119, -120:
		return pgerrcode.UniqueViolation
	case -121, -122, -123, -124:
		return pgerrcode.ForeignKeyViolation
	case -201:
		return pgerrcode.DuplicateTable
	case -400:
		return pgerrcode.InternalError
	default:
		return pgerrcode.InternalError
	}
}

func sqlcode(err error) (int, bool) {
	m := sqlcodeRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return n, true
}
