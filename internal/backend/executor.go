// Package backend executes translated statements against IRIS and shapes
// the results for the wire: RowDescription metadata, per-column encoding,
// command tags, catalog synthesis and COPY streaming.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
)

// cancelPollStride is how many rows a fetch streams between context
// checks.
const cancelPollStride = 64

// RowSink receives streamed data rows. The session implements it on top
// of the wire codec.
type RowSink interface {
	WriteDataRow(values [][]byte) error
}

// Executor turns translated statements into IRIS calls.
type Executor struct {
	// VectorOID is the synthetic OID reported for VECTOR columns.
	VectorOID uint32

	// CopyBatchRows caps how many COPY rows are folded into one INSERT.
	CopyBatchRows int
}

func (e *Executor) vectorOID() uint32 {
	if e.VectorOID == 0 {
		return pgwire.DefaultVectorOID
	}
	return e.VectorOID
}

func (e *Executor) copyBatchRows() int {
	if e.CopyBatchRows <= 0 {
		return 100
	}
	return e.CopyBatchRows
}

// Outcome is the result of starting a statement: a Cursor for
// row-returning statements, or a finished command tag.
type Outcome struct {
	Cursor *Cursor
	Tag    string
}

// Execute inlines the parameters and runs the statement. Row-returning
// statements come back as an open Cursor; everything else executes to
// completion.
func (e *Executor) Execute(ctx context.Context, conn iris.Conn, sql string, params []Param, formats []int16) (*Outcome, error) {
	final, err := e.inlineParams(sql, params)
	if err != nil {
		return nil, err
	}

	if returnsRows(final) {
		rows, err := conn.Query(ctx, final)
		if err != nil {
			return nil, err
		}
		cur, err := e.newCursor(rows, formats)
		if err != nil {
			rows.Close()
			return nil, err
		}
		return &Outcome{Cursor: cur}, nil
	}

	res, err := conn.Exec(ctx, final)
	if err != nil {
		return nil, err
	}
	return &Outcome{Tag: commandTag(final, res.RowsAffected)}, nil
}

func (e *Executor) newCursor(rows iris.Rows, formats []int16) (*Cursor, error) {
	meta, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result metadata: %w", err)
	}
	fields, oids := fieldsForColumns(meta, formats, e.vectorOID())
	return &Cursor{
		rows:      rows,
		fields:    fields,
		oids:      oids,
		formats:   formats,
		vectorOID: e.vectorOID(),
	}, nil
}

// Cursor is an open result set. A portal holds one across Execute calls
// so row limits can suspend and resume it.
type Cursor struct {
	rows      iris.Rows
	fields    []pgproto3.FieldDescription
	oids      []uint32
	formats   []int16
	vectorOID uint32
	count     int64
	done      bool
}

// Fields returns the RowDescription entries for this result set.
func (c *Cursor) Fields() []pgproto3.FieldDescription { return c.fields }

// Done reports whether the result set is exhausted.
func (c *Cursor) Done() bool { return c.done }

// Tag returns the command tag for a completed cursor.
func (c *Cursor) Tag() string { return "SELECT " + strconv.FormatInt(c.count, 10) }

// Fetch streams up to max rows into the sink (max <= 0 means all).
// Returns done=false when the row limit stopped the fetch with rows
// still pending. The context is polled between row batches.
func (c *Cursor) Fetch(ctx context.Context, max int32, sink RowSink) (bool, error) {
	if c.done {
		return true, nil
	}
	n := 0
	for {
		if max > 0 && n >= int(max) {
			return false, nil
		}
		if n%cancelPollStride == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		if !c.rows.Next() {
			break
		}
		vals, err := c.rows.Values()
		if err != nil {
			return false, err
		}
		row := make([][]byte, len(vals))
		for i, v := range vals {
			enc, err := encodeValue(v, c.oids[i], formatFor(c.formats, i), c.vectorOID)
			if err != nil {
				return false, fmt.Errorf("encoding column %s: %w", c.fields[i].Name, err)
			}
			row[i] = enc
		}
		if err := sink.WriteDataRow(row); err != nil {
			return false, err
		}
		c.count++
		n++
	}
	if err := c.rows.Err(); err != nil {
		return false, err
	}
	c.done = true
	return true, nil
}

// Close releases the underlying result set.
func (c *Cursor) Close() error { return c.rows.Close() }

// encodeValue renders one driver value in the requested wire format.
// Driver values arrive as int64, float64, bool, string, []byte or
// time.Time; strings are normalized through the text parser when the
// column is not a string type.
func encodeValue(v any, oid uint32, format int16, vectorOID uint32) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	if oid == vectorOID {
		vec, err := asVector(v)
		if err != nil {
			return nil, err
		}
		if format == pgwire.FormatBinary {
			return pgwire.EncodeVectorBinary(vec), nil
		}
		return []byte(pgwire.FormatVector(vec)), nil
	}

	v, err := normalizeValue(v, oid)
	if err != nil {
		return nil, err
	}
	if format == pgwire.FormatBinary {
		return pgwire.EncodeBinary(oid, v)
	}
	return pgwire.EncodeText(oid, v)
}

func normalizeValue(v any, oid uint32) (any, error) {
	switch oid {
	case pgwire.OIDBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return b == "1" || b == "t" || b == "true", nil
		}
	case pgwire.OIDTime:
		if t, ok := v.(time.Time); ok {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second +
				time.Duration(t.Nanosecond()), nil
		}
	case pgwire.OIDBytea:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return v, nil
	}

	// Text coming back for a non-text column goes through the canonical
	// parser (dates, timestamps, uuids, numerics as strings).
	if !isTextOID(oid) {
		switch s := v.(type) {
		case string:
			return pgwire.DecodeText(oid, []byte(s))
		case []byte:
			return pgwire.DecodeText(oid, s)
		}
	}
	return v, nil
}

func isTextOID(oid uint32) bool {
	switch oid {
	case pgwire.OIDText, pgwire.OIDVarchar, pgwire.OIDBpchar, pgwire.OIDName, pgwire.OIDJSON, pgwire.OIDJSONB:
		return true
	}
	return false
}

// returnsRows classifies the statement by its first keyword.
func returnsRows(sql string) bool {
	for _, word := range strings.Fields(sql) {
		switch strings.ToUpper(word) {
		case "SELECT", "VALUES", "WITH", "CALL", "EXPLAIN":
			return true
		default:
			return false
		}
	}
	return false
}

// commandTag synthesizes the CommandComplete tag for a non-query
// statement.
func commandTag(sql string, affected int64) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToUpper(fields[0])
	switch verb {
	case "INSERT":
		return "INSERT 0 " + strconv.FormatInt(affected, 10)
	case "UPDATE", "DELETE", "MERGE":
		return verb + " " + strconv.FormatInt(affected, 10)
	case "CREATE", "DROP", "ALTER", "TRUNCATE", "GRANT", "REVOKE":
		if len(fields) > 1 {
			second := strings.ToUpper(fields[1])
			switch second {
			case "TABLE", "INDEX", "VIEW", "SEQUENCE", "PROCEDURE", "FUNCTION", "TRIGGER", "SCHEMA", "USER", "ROLE":
				return verb + " " + second
			}
		}
		return verb
	case "START":
		return "BEGIN"
	default:
		return verb
	}
}
