package iris

import (
	"context"
	"strings"
	"sync"
)

// StubResult is one canned response for the stub connection.
type StubResult struct {
	Cols     []ColumnMeta
	Rows     [][]any
	Affected int64
	Err      error

	// Hang makes the result set block in Next until the statement
	// context is canceled, for cancellation tests.
	Hang bool
}

// Stub is a scripted Conn for tests. Statements are matched against the
// Script by prefix (first match wins); unmatched statements succeed with
// an empty result. Every executed statement is recorded.
type Stub struct {
	mu       sync.Mutex
	Script   map[string]*StubResult
	Executed []string
	PingErr  error
	closed   bool
}

// NewStub builds a stub with the given script.
func NewStub(script map[string]*StubResult) *Stub {
	return &Stub{Script: script}
}

func (s *Stub) lookup(sql string) *StubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Executed = append(s.Executed, sql)
	for prefix, res := range s.Script {
		if strings.HasPrefix(sql, prefix) {
			return res
		}
	}
	return nil
}

func (s *Stub) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := s.lookup(sql)
	if res == nil {
		return &stubRows{}, nil
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &stubRows{ctx: ctx, cols: res.Cols, rows: res.Rows, hang: res.Hang}, nil
}

func (s *Stub) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := s.lookup(sql)
	if res == nil {
		return Result{}, nil
	}
	if res.Err != nil {
		return Result{}, res.Err
	}
	return Result{RowsAffected: res.Affected}, nil
}

func (s *Stub) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.PingErr
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Log returns a copy of the executed statement list.
func (s *Stub) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Executed))
	copy(out, s.Executed)
	return out
}

type stubRows struct {
	ctx  context.Context
	cols []ColumnMeta
	rows [][]any
	hang bool
	i    int
	err  error
}

func (r *stubRows) Columns() ([]ColumnMeta, error) { return r.cols, nil }

func (r *stubRows) Next() bool {
	if r.ctx != nil && r.ctx.Err() != nil {
		r.err = r.ctx.Err()
		return false
	}
	if r.i >= len(r.rows) {
		if r.hang && r.ctx != nil {
			<-r.ctx.Done()
			r.err = r.ctx.Err()
		}
		return false
	}
	r.i++
	return true
}

func (r *stubRows) Values() ([]any, error) {
	row := r.rows[r.i-1]
	out := make([]any, len(row))
	copy(out, row)
	return out, nil
}

func (r *stubRows) Err() error { return r.err }

func (r *stubRows) Close() error { return nil }

// StubConnector hands out stubs, one per Connect call, and remembers
// them so tests can inspect each connection afterwards.
type StubConnector struct {
	mu      sync.Mutex
	Script  map[string]*StubResult
	Conns   []*Stub
	FailErr error
}

func (c *StubConnector) Connect(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailErr != nil {
		return nil, c.FailErr
	}
	s := NewStub(c.Script)
	c.Conns = append(c.Conns, s)
	return s, nil
}

// SetFailErr makes subsequent Connect calls fail (nil re-enables them).
func (c *StubConnector) SetFailErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailErr = err
}

func (c *StubConnector) Name() string { return "stub" }

// Opened returns how many connections have been handed out.
func (c *StubConnector) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Conns)
}
