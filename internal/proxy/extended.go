package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/backend"
	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/translate"
)

// preparedStmt is a named statement created by Parse. Translation happens
// once here; Bind and Execute reuse the result.
type preparedStmt struct {
	name      string
	res       *translate.Result
	paramOIDs []uint32
}

// portal is a bound statement. Row-returning portals hold an open Cursor
// so Execute row limits can suspend and resume.
type portal struct {
	stmt    *preparedStmt
	params  []backend.Param
	formats []int16

	started bool
	cursor  *backend.Cursor
	tag     string

	// Materialized catalog results, streamed across Execute calls.
	catFields []pgproto3.FieldDescription
	catRows   [][][]byte
	catPos    int
}

// extended handles one extended-protocol message. After an error the
// session discards everything up to the next Sync.
func (s *session) extended(ctx context.Context, msg pgproto3.FrontendMessage) error {
	switch msg.(type) {
	case *pgproto3.Sync:
		return s.extSync()
	case *pgproto3.Flush:
		return s.codec.Flush()
	}

	if s.extFailed {
		return nil
	}

	var err error
	switch m := msg.(type) {
	case *pgproto3.Parse:
		err = s.extParse(m)
	case *pgproto3.Bind:
		err = s.extBind(m)
	case *pgproto3.Describe:
		err = s.extDescribe(ctx, m)
	case *pgproto3.Execute:
		err = s.extExecute(ctx, m)
	case *pgproto3.Close:
		err = s.extClose(m)
	}
	if err != nil {
		s.reportError(err)
		s.extFailed = true
		if s.txStatus == txActive {
			s.txStatus = txFailed
		}
	}
	return nil
}

// extSync ends the implicit transaction: portals close, the run lease
// goes back to the pool, and the error-skip state clears. An explicit
// transaction keeps its lease and portals.
func (s *session) extSync() error {
	s.extFailed = false
	if s.txStatus == txIdle {
		s.closePortals()
		if s.runLease != nil {
			s.runLease.Release()
			s.runLease = nil
		}
	}
	return s.sendReady()
}

func (s *session) extParse(m *pgproto3.Parse) error {
	if m.Name != "" {
		if _, exists := s.stmts[m.Name]; exists {
			return &sessionError{
				code: pgerrcode.DuplicatePreparedStatement,
				msg:  fmt.Sprintf("prepared statement %q already exists", m.Name),
			}
		}
	}

	res, err := s.translateStatement(m.Query, m.ParameterOIDs)
	if err != nil {
		return err
	}

	// Declared OIDs win; translation hints fill the zeroes. The statement
	// may use placeholders beyond both lists, so the highest $n seen during
	// translation sets the floor.
	n := len(m.ParameterOIDs)
	if len(res.ParamHints) > n {
		n = len(res.ParamHints)
	}
	for _, idx := range res.ParamMap {
		if idx > n {
			n = idx
		}
	}
	oids := make([]uint32, n)
	copy(oids, m.ParameterOIDs)
	for i, hint := range res.ParamHints {
		if i < n && oids[i] == 0 {
			oids[i] = hint
		}
	}

	s.stmts[m.Name] = &preparedStmt{name: m.Name, res: res, paramOIDs: oids}
	s.codec.Send(&pgproto3.ParseComplete{})
	return nil
}

func (s *session) extBind(m *pgproto3.Bind) error {
	ps, ok := s.stmts[m.PreparedStatement]
	if !ok {
		return &sessionError{
			code: pgerrcode.InvalidSQLStatementName,
			msg:  fmt.Sprintf("prepared statement %q does not exist", m.PreparedStatement),
		}
	}
	if prev, exists := s.portals[m.DestinationPortal]; exists {
		if m.DestinationPortal != "" {
			return &sessionError{
				code: pgerrcode.DuplicateCursor,
				msg:  fmt.Sprintf("portal %q already exists", m.DestinationPortal),
			}
		}
		// Binding the unnamed portal replaces the previous one.
		if prev.cursor != nil {
			prev.cursor.Close()
		}
	}

	need := 0
	for _, idx := range ps.res.ParamMap {
		if idx > need {
			need = idx
		}
	}
	if len(m.Parameters) < need {
		return &sessionError{
			code: pgerrcode.ProtocolViolation,
			msg: fmt.Sprintf("bind message supplies %d parameters, but prepared statement %q requires %d",
				len(m.Parameters), m.PreparedStatement, need),
		}
	}

	decoded := make([]backend.Param, len(m.Parameters))
	for i, raw := range m.Parameters {
		oid := pgwire.OIDText
		if i < len(ps.paramOIDs) && ps.paramOIDs[i] != 0 {
			oid = ps.paramOIDs[i]
		}
		if raw == nil {
			decoded[i] = backend.Param{Value: nil, OID: oid}
			continue
		}
		v, err := s.bindValue(oid, raw, paramFormat(m.ParameterFormatCodes, i))
		if err != nil {
			return &sessionError{
				code: pgerrcode.InvalidTextRepresentation,
				msg:  fmt.Sprintf("parameter $%d: %v", i+1, err),
			}
		}
		decoded[i] = backend.Param{Value: v, OID: oid}
	}

	// The executor substitutes placeholders in statement order; reorder
	// from $n positions.
	ordered := make([]backend.Param, len(ps.res.ParamMap))
	for i, idx := range ps.res.ParamMap {
		ordered[i] = decoded[idx-1]
	}

	s.portals[m.DestinationPortal] = &portal{
		stmt:    ps,
		params:  ordered,
		formats: m.ResultFormatCodes,
	}
	s.codec.Send(&pgproto3.BindComplete{})
	return nil
}

func (s *session) bindValue(oid uint32, raw []byte, format int16) (any, error) {
	if oid == s.vectorOID() {
		if format == pgwire.FormatBinary {
			return pgwire.DecodeVectorBinary(raw)
		}
		return pgwire.ParseVector(string(raw))
	}
	if format == pgwire.FormatBinary {
		return pgwire.DecodeBinary(oid, raw)
	}
	return pgwire.DecodeText(oid, raw)
}

func (s *session) vectorOID() uint32 {
	if s.server.executor.VectorOID != 0 {
		return s.server.executor.VectorOID
	}
	return pgwire.DefaultVectorOID
}

// paramFormat resolves a per-parameter format code: no codes means text,
// one code applies to all, otherwise positional.
func paramFormat(codes []int16, i int) int16 {
	switch len(codes) {
	case 0:
		return pgwire.FormatText
	case 1:
		return codes[0]
	default:
		if i < len(codes) {
			return codes[i]
		}
		return pgwire.FormatText
	}
}

func (s *session) extDescribe(ctx context.Context, m *pgproto3.Describe) error {
	switch m.ObjectType {
	case 'S':
		ps, ok := s.stmts[m.Name]
		if !ok {
			return &sessionError{
				code: pgerrcode.InvalidSQLStatementName,
				msg:  fmt.Sprintf("prepared statement %q does not exist", m.Name),
			}
		}
		oids := make([]uint32, len(ps.paramOIDs))
		for i, oid := range ps.paramOIDs {
			if oid == 0 {
				oid = pgwire.OIDText
			}
			oids[i] = oid
		}
		s.codec.Send(&pgproto3.ParameterDescription{ParameterOIDs: oids})

		// Catalog probes are side-effect-free and cheap, so the statement
		// describe runs one to produce real metadata. Direct statements
		// report NoData here; Describe on the portal is always exact.
		if ps.res.Class == translate.ClassCatalog {
			conn, release, err := s.acquireConn(ctx)
			if err != nil {
				return err
			}
			result, err := s.catalog.Execute(ctx, conn, ps.res.Probe)
			release(err != nil)
			if err != nil {
				return err
			}
			s.codec.Send(&pgproto3.RowDescription{Fields: result.Fields})
			return nil
		}
		s.codec.Send(&pgproto3.NoData{})
		return nil

	case 'P':
		p, ok := s.portals[m.Name]
		if !ok {
			return &sessionError{
				code: pgerrcode.InvalidCursorName,
				msg:  fmt.Sprintf("portal %q does not exist", m.Name),
			}
		}
		if err := s.startPortal(ctx, p); err != nil {
			return err
		}
		if p.cursor != nil {
			s.codec.Send(&pgproto3.RowDescription{Fields: p.cursor.Fields()})
		} else if p.catFields != nil {
			s.codec.Send(&pgproto3.RowDescription{Fields: p.catFields})
		} else {
			s.codec.Send(&pgproto3.NoData{})
		}
		return nil

	default:
		return &sessionError{
			code: pgerrcode.ProtocolViolation,
			msg:  fmt.Sprintf("invalid describe type %q", m.ObjectType),
		}
	}
}

// startPortal runs the portal's statement up to the point where rows can
// stream. Transaction verbs, COPY and empty statements stay unstarted;
// Execute handles them directly.
func (s *session) startPortal(ctx context.Context, p *portal) error {
	if p.started {
		return nil
	}
	res := p.stmt.res

	switch res.Class {
	case translate.ClassEmpty, translate.ClassTransaction,
		translate.ClassCopyIn, translate.ClassCopyOut:
		return nil
	}

	if s.txStatus == txFailed {
		return errFailedTx
	}

	// The lease pins for the rest of the extended run so an open
	// cursor's result set survives across Execute calls.
	conn, err := s.extConn(ctx)
	if err != nil {
		return err
	}

	if res.Class == translate.ClassCatalog {
		result, err := s.catalog.Execute(ctx, conn, res.Probe)
		if err != nil {
			return err
		}
		p.catFields = result.Fields
		p.catRows = result.Rows
		p.started = true
		return nil
	}

	out, err := s.server.executor.Execute(ctx, conn, res.SQL, p.params, p.formats)
	if err != nil {
		return err
	}
	p.cursor = out.Cursor
	p.tag = out.Tag
	p.started = true
	return nil
}

// extConn returns the backend connection for an extended-protocol run,
// pinning a fresh lease as the run lease when nothing is pinned yet.
func (s *session) extConn(ctx context.Context) (iris.Conn, error) {
	if s.txLease != nil {
		return s.txLease.Conn(), nil
	}
	if s.runLease == nil {
		start := time.Now()
		lease, err := s.server.pool.Acquire(ctx)
		if m := s.server.metrics; m != nil {
			m.PoolAcquire(time.Since(start))
		}
		if err != nil {
			return nil, err
		}
		s.runLease = lease
	}
	return s.runLease.Conn(), nil
}

func (s *session) extExecute(ctx context.Context, m *pgproto3.Execute) error {
	p, ok := s.portals[m.Portal]
	if !ok {
		return &sessionError{
			code: pgerrcode.InvalidCursorName,
			msg:  fmt.Sprintf("portal %q does not exist", m.Portal),
		}
	}
	res := p.stmt.res
	start := time.Now()

	switch res.Class {
	case translate.ClassEmpty:
		s.codec.Send(&pgproto3.EmptyQueryResponse{})
		return nil
	case translate.ClassTransaction:
		return s.runTransactionVerb(ctx, res)
	}

	if s.txStatus == txFailed {
		return errFailedTx
	}

	sctx, done := s.statementContext(ctx)
	defer done()

	var err error
	switch res.Class {
	case translate.ClassCopyIn:
		err = s.runCopyIn(sctx, res)
	case translate.ClassCopyOut:
		err = s.runCopyOut(sctx, res)
	default:
		err = s.executePortal(sctx, p, m.MaxRows)
	}
	if m2 := s.server.metrics; m2 != nil && err == nil {
		m2.QueryExecuted(className(res.Class), time.Since(start))
	}
	return err
}

// executePortal streams up to maxRows from the portal, suspending with
// PortalSuspended when the limit stops a fetch early.
func (s *session) executePortal(ctx context.Context, p *portal, maxRows uint32) error {
	if err := s.startPortal(ctx, p); err != nil {
		return err
	}

	if p.catFields != nil {
		return s.streamCatalogPortal(p, maxRows)
	}

	if p.cursor == nil {
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(p.tag)})
		return nil
	}

	finished, err := p.cursor.Fetch(ctx, int32(maxRows), &rowSink{s: s})
	if err != nil {
		if s.runLease != nil {
			s.runLease.Discard()
			s.runLease = nil
		}
		return err
	}
	if !finished {
		s.codec.Send(&pgproto3.PortalSuspended{})
		return nil
	}
	p.cursor.Close()
	s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(p.cursor.Tag())})
	return nil
}

func (s *session) streamCatalogPortal(p *portal, maxRows uint32) error {
	remaining := len(p.catRows) - p.catPos
	n := remaining
	if maxRows > 0 && int(maxRows) < n {
		n = int(maxRows)
	}
	for _, row := range p.catRows[p.catPos : p.catPos+n] {
		s.codec.Send(&pgproto3.DataRow{Values: row})
	}
	p.catPos += n

	if p.catPos < len(p.catRows) {
		s.codec.Send(&pgproto3.PortalSuspended{})
		return nil
	}
	tag := "SELECT " + strconv.Itoa(len(p.catRows))
	s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return nil
}

func (s *session) extClose(m *pgproto3.Close) error {
	switch m.ObjectType {
	case 'S':
		// Closing a missing statement is not an error.
		delete(s.stmts, m.Name)
	case 'P':
		if p, ok := s.portals[m.Name]; ok {
			if p.cursor != nil {
				p.cursor.Close()
			}
			delete(s.portals, m.Name)
		}
	default:
		return &sessionError{
			code: pgerrcode.ProtocolViolation,
			msg:  fmt.Sprintf("invalid close type %q", m.ObjectType),
		}
	}
	s.codec.Send(&pgproto3.CloseComplete{})
	return nil
}
