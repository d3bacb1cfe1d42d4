package backend

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/translate"
)

// CopyIn starts a COPY FROM STDIN transfer. Incoming data is parsed
// incrementally and folded into batched multi-row INSERTs; a batch error
// aborts the whole transfer, matching COPY's all-or-nothing surface.
func (e *Executor) CopyIn(conn iris.Conn, stmt *translate.CopyStmt) (*CopyInSink, error) {
	if stmt.Options.Format == translate.CopyBinary {
		return nil, fmt.Errorf("%w: COPY BINARY", translate.ErrUnsupported)
	}

	prefix := "INSERT INTO " + stmt.Table
	if len(stmt.Columns) > 0 {
		prefix += " (" + strings.Join(stmt.Columns, ", ") + ")"
	}
	prefix += " VALUES "

	return &CopyInSink{
		executor:   e,
		conn:       conn,
		opts:       stmt.Options,
		prefix:     prefix,
		skipHeader: stmt.Options.Header,
		batchMax:   e.copyBatchRows(),
	}, nil
}

// CopyInSink consumes CopyData payloads.
type CopyInSink struct {
	executor   *Executor
	conn       iris.Conn
	opts       translate.CopyOptions
	prefix     string
	buf        []byte   // carry-over partial record between chunks
	batch      []string // rendered value groups awaiting flush
	batchMax   int
	rows       int64
	cols       int
	skipHeader bool
	terminated bool // TEXT end-of-data marker seen
}

// Write parses one CopyData payload, flushing full batches as they form.
func (s *CopyInSink) Write(ctx context.Context, data []byte) error {
	if s.terminated {
		return nil
	}
	s.buf = append(s.buf, data...)

	for {
		record, rest, ok := s.nextRecord(s.buf)
		if !ok {
			break
		}
		s.buf = rest

		if s.opts.Format == translate.CopyText && string(record) == `\.` {
			s.terminated = true
			break
		}
		if s.skipHeader {
			s.skipHeader = false
			continue
		}
		if len(record) == 0 && s.opts.Format == translate.CopyCSV {
			continue
		}

		fields, err := s.parseRecord(record)
		if err != nil {
			return err
		}
		if s.cols == 0 {
			s.cols = len(fields)
		} else if len(fields) != s.cols {
			return fmt.Errorf("row has %d columns, expected %d", len(fields), s.cols)
		}

		s.batch = append(s.batch, renderValues(fields))
		if len(s.batch) >= s.batchMax {
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish flushes pending rows and returns the total row count.
func (s *CopyInSink) Finish(ctx context.Context) (int64, error) {
	// A trailing record without a final newline still counts.
	if !s.terminated && len(bytes.TrimRight(s.buf, "\r\n")) > 0 {
		if err := s.Write(ctx, []byte("\n")); err != nil {
			return s.rows, err
		}
	}
	if err := s.flush(ctx); err != nil {
		return s.rows, err
	}
	return s.rows, nil
}

func (s *CopyInSink) flush(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sql := s.prefix + strings.Join(s.batch, ", ")
	n := len(s.batch)
	s.batch = s.batch[:0]
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return err
	}
	s.rows += int64(n)
	return nil
}

// nextRecord cuts one complete record off buf. CSV records respect
// quoted fields, so a newline inside quotes does not end the record.
func (s *CopyInSink) nextRecord(buf []byte) (record, rest []byte, ok bool) {
	if s.opts.Format == translate.CopyText {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return nil, buf, false
		}
		return bytes.TrimSuffix(buf[:i], []byte{'\r'}), buf[i+1:], true
	}

	inQuotes := false
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		switch {
		case inQuotes && c == s.opts.Escape && i+1 < len(buf) && buf[i+1] == s.opts.Quote:
			i++
		case c == s.opts.Quote:
			inQuotes = !inQuotes
		case c == '\n' && !inQuotes:
			return bytes.TrimSuffix(buf[:i], []byte{'\r'}), buf[i+1:], true
		}
	}
	return nil, buf, false
}

// parseRecord splits a record into field values; nil means NULL.
func (s *CopyInSink) parseRecord(record []byte) ([]*string, error) {
	if s.opts.Format == translate.CopyText {
		return s.parseTextRecord(record)
	}
	return s.parseCSVRecord(record)
}

func (s *CopyInSink) parseTextRecord(record []byte) ([]*string, error) {
	var fields []*string
	var cur []byte
	var raw []byte
	// The NULL marker is matched against the raw field text, before
	// unescaping, so \\N stays the two-character string.
	flush := func() {
		if string(raw) == s.opts.Null {
			fields = append(fields, nil)
		} else {
			v := string(cur)
			fields = append(fields, &v)
		}
		cur = cur[:0]
		raw = raw[:0]
	}

	for i := 0; i < len(record); i++ {
		c := record[i]
		switch {
		case c == '\\' && i+1 < len(record):
			raw = append(raw, c, record[i+1])
			i++
			switch record[i] {
			case 'n':
				cur = append(cur, '\n')
			case 't':
				cur = append(cur, '\t')
			case 'r':
				cur = append(cur, '\r')
			case '\\':
				cur = append(cur, '\\')
			case 'b':
				cur = append(cur, '\b')
			case 'f':
				cur = append(cur, '\f')
			case 'v':
				cur = append(cur, '\v')
			default:
				cur = append(cur, record[i])
			}
		case c == s.opts.Delimiter:
			flush()
		default:
			cur = append(cur, c)
			raw = append(raw, c)
		}
	}
	flush()
	return fields, nil
}

func (s *CopyInSink) parseCSVRecord(record []byte) ([]*string, error) {
	var fields []*string
	var cur []byte
	quoted := false
	flush := func() {
		v := string(cur)
		if !quoted && v == s.opts.Null {
			fields = append(fields, nil)
		} else {
			fields = append(fields, &v)
		}
		cur = cur[:0]
		quoted = false
	}

	i := 0
	for i < len(record) {
		c := record[i]
		switch {
		case c == s.opts.Quote:
			quoted = true
			i++
			for i < len(record) {
				if record[i] == s.opts.Escape && i+1 < len(record) && record[i+1] == s.opts.Quote {
					cur = append(cur, s.opts.Quote)
					i += 2
					continue
				}
				if record[i] == s.opts.Quote {
					i++
					break
				}
				cur = append(cur, record[i])
				i++
			}
		case c == s.opts.Delimiter:
			flush()
			i++
		default:
			cur = append(cur, c)
			i++
		}
	}
	flush()
	return fields, nil
}

// renderValues builds one parenthesized VALUES group.
func renderValues(fields []*string) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, f := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		if f == nil {
			sb.WriteString("NULL")
		} else {
			sb.WriteString(quoteString(*f))
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// CopyOut starts a COPY TO STDOUT transfer.
func (e *Executor) CopyOut(ctx context.Context, conn iris.Conn, stmt *translate.CopyStmt) (*CopyOutStream, error) {
	if stmt.Options.Format == translate.CopyBinary {
		return nil, fmt.Errorf("%w: COPY BINARY", translate.ErrUnsupported)
	}

	sql := stmt.Query
	if sql == "" {
		cols := "*"
		if len(stmt.Columns) > 0 {
			cols = strings.Join(stmt.Columns, ", ")
		}
		sql = "SELECT " + cols + " FROM " + stmt.Table
	}

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	cur, err := e.newCursor(rows, nil)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &CopyOutStream{cur: cur, opts: stmt.Options, header: stmt.Options.Header}, nil
}

// CopyOutStream produces bounded CopyData payloads.
type CopyOutStream struct {
	cur    *Cursor
	opts   translate.CopyOptions
	header bool
	rows   int64
	done   bool
}

// Columns reports the result width for CopyOutResponse.
func (s *CopyOutStream) Columns() int { return len(s.cur.fields) }

// Rows reports how many data rows have been streamed so far.
func (s *CopyOutStream) Rows() int64 { return s.rows }

// NextChunk renders rows until the chunk reaches max bytes. done=true
// means the result set is exhausted; the final chunk may be empty.
func (s *CopyOutStream) NextChunk(ctx context.Context, max int) ([]byte, bool, error) {
	if s.done {
		return nil, true, nil
	}
	var chunk []byte

	if s.header {
		s.header = false
		names := make([]string, len(s.cur.fields))
		for i, f := range s.cur.fields {
			names[i] = string(f.Name)
		}
		chunk = s.appendRecord(chunk, names, nil)
	}

	for len(chunk) < max {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if !s.cur.rows.Next() {
			if err := s.cur.rows.Err(); err != nil {
				return nil, false, err
			}
			s.done = true
			s.cur.Close()
			return chunk, true, nil
		}
		vals, err := s.cur.rows.Values()
		if err != nil {
			return nil, false, err
		}

		texts := make([]string, len(vals))
		nulls := make([]bool, len(vals))
		for i, v := range vals {
			if v == nil {
				nulls[i] = true
				continue
			}
			enc, err := encodeValue(v, s.cur.oids[i], pgwire.FormatText, s.cur.vectorOID)
			if err != nil {
				return nil, false, fmt.Errorf("encoding column %s: %w", s.cur.fields[i].Name, err)
			}
			texts[i] = string(enc)
		}
		chunk = s.appendRecord(chunk, texts, nulls)
		s.rows++
	}
	return chunk, false, nil
}

// Close releases the stream's result set early.
func (s *CopyOutStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.cur.Close()
}

func (s *CopyOutStream) appendRecord(chunk []byte, fields []string, nulls []bool) []byte {
	for i, f := range fields {
		if i > 0 {
			chunk = append(chunk, s.opts.Delimiter)
		}
		null := nulls != nil && nulls[i]
		if s.opts.Format == translate.CopyText {
			if null {
				chunk = append(chunk, `\N`...)
			} else {
				chunk = appendTextEscaped(chunk, f, s.opts.Delimiter)
			}
			continue
		}
		if null {
			chunk = append(chunk, s.opts.Null...)
		} else {
			chunk = s.appendCSVField(chunk, f)
		}
	}
	return append(chunk, '\n')
}

func appendTextEscaped(chunk []byte, f string, delim byte) []byte {
	for i := 0; i < len(f); i++ {
		switch c := f[i]; c {
		case '\\':
			chunk = append(chunk, '\\', '\\')
		case '\n':
			chunk = append(chunk, '\\', 'n')
		case '\r':
			chunk = append(chunk, '\\', 'r')
		case '\t':
			chunk = append(chunk, '\\', 't')
		case delim:
			chunk = append(chunk, '\\', c)
		default:
			chunk = append(chunk, c)
		}
	}
	return chunk
}

func (s *CopyOutStream) appendCSVField(chunk []byte, f string) []byte {
	needsQuote := f == "" && s.opts.Null == "" ||
		strings.ContainsAny(f, string([]byte{s.opts.Delimiter, s.opts.Quote, '\n', '\r'})) ||
		f == s.opts.Null && f != ""
	if !needsQuote {
		return append(chunk, f...)
	}
	chunk = append(chunk, s.opts.Quote)
	for i := 0; i < len(f); i++ {
		if f[i] == s.opts.Quote {
			chunk = append(chunk, s.opts.Escape)
		}
		chunk = append(chunk, f[i])
	}
	return append(chunk, s.opts.Quote)
}
