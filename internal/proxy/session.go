package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/backend"
	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/translate"
)

// Transaction status bytes reported in ReadyForQuery.
const (
	txIdle   = 'I'
	txActive = 'T'
	txFailed = 'E'
)

// rowHighWater is the outbound buffer level that forces a flush between
// data rows.
const rowHighWater = 1 << 20

var (
	errFailedTx = errors.New("current transaction is aborted, commands ignored until end of transaction block")
	errCopyFail = errors.New("COPY from stdin failed")
)

// session is one client connection. All message handling is sequential
// on the session's own goroutine; the only outside touch point is
// cancelCurrent, invoked by the registry.
type session struct {
	server *Server
	conn   net.Conn
	codec  *pgwire.Codec

	user     string
	database string
	pid      uint32
	secret   uint32

	txStatus byte
	txLease  *pool.Lease // pinned for an explicit transaction
	runLease *pool.Lease // pinned for an extended-protocol run, dropped at Sync

	catalog *backend.Catalog

	stmts     map[string]*preparedStmt
	portals   map[string]*portal
	extFailed bool // skip extended messages until Sync

	cancelMu sync.Mutex
	cancelFn context.CancelFunc
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		server:   srv,
		conn:     conn,
		codec:    pgwire.NewCodec(conn, srv.opts.MaxFrameBytes),
		txStatus: txIdle,
		stmts:    make(map[string]*preparedStmt),
		portals:  make(map[string]*portal),
	}
}

func (s *session) run(ctx context.Context) error {
	defer s.cleanup()

	proceed, err := s.startup()
	if err != nil || !proceed {
		return err
	}

	if err := s.authenticate(ctx); err != nil {
		return err
	}

	s.pid = s.server.nextPID()
	s.secret = randomSecret()
	s.server.registry.Register(s.pid, s.secret, s.cancelCurrent)
	s.server.registerInfo(SessionInfo{
		PID:         s.pid,
		User:        s.user,
		Database:    s.database,
		RemoteAddr:  s.conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	})

	s.catalog = &backend.Catalog{
		Executor:      s.server.executor,
		ServerVersion: s.server.opts.ServerVersion,
		DatabaseName:  s.server.opts.Database,
		SchemaName:    s.server.opts.Schema,
		User:          s.user,
		BackendPID:    s.pid,
	}

	s.codec.Send(&pgproto3.AuthenticationOk{})
	s.codec.Send(&pgproto3.BackendKeyData{ProcessID: s.pid, SecretKey: s.secret})
	for _, kv := range s.catalog.StartupParameters() {
		s.codec.Send(&pgproto3.ParameterStatus{Name: kv[0], Value: kv[1]})
	}
	if err := s.sendReady(); err != nil {
		return err
	}

	log.Printf("[session] pid=%d user=%s connected from %s", s.pid, s.user, s.conn.RemoteAddr())
	return s.serve(ctx)
}

// startup handles the pre-auth frames. proceed=false means the
// connection's job is done (a cancel request) and it should close
// without error.
func (s *session) startup() (bool, error) {
	const maxTLSProbes = 3
	for i := 0; i <= maxTLSProbes; i++ {
		msg, err := s.codec.ReadStartup()
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if err := s.codec.RejectTLS(); err != nil {
				return false, err
			}
		case *pgproto3.CancelRequest:
			s.server.registry.Cancel(m.ProcessID, m.SecretKey)
			return false, nil
		case *pgproto3.StartupMessage:
			if m.ProtocolVersion != pgproto3.ProtocolVersionNumber {
				err := fmt.Errorf("unsupported protocol version %d", m.ProtocolVersion)
				s.codec.Send(&pgproto3.ErrorResponse{
					Severity: "FATAL",
					Code:     pgerrcode.ProtocolViolation,
					Message:  err.Error(),
				})
				s.codec.Flush()
				return false, err
			}
			s.user = m.Parameters["user"]
			s.database = m.Parameters["database"]
			return true, nil
		default:
			return false, fmt.Errorf("unexpected startup frame %T", msg)
		}
	}
	return false, fmt.Errorf("too many TLS negotiation attempts")
}

func (s *session) authenticate(ctx context.Context) error {
	timeout := s.server.opts.AuthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.codec.SetDeadline(time.Now().Add(timeout))
	defer s.codec.SetDeadline(time.Time{})

	if err := s.server.auth.Authenticate(actx, s.codec, s.user); err != nil {
		s.codec.Send(fatalResponse(err))
		s.codec.Flush()
		return fmt.Errorf("authenticating %s: %w", s.user, err)
	}
	return nil
}

func (s *session) serve(ctx context.Context) error {
	for {
		if idle := s.server.opts.IdleTimeout; idle > 0 {
			s.codec.SetDeadline(time.Now().Add(idle))
		}
		msg, err := s.codec.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, pgwire.ErrFrameTooLarge) {
				s.codec.Send(fatalResponse(err))
				s.codec.Flush()
			}
			return err
		}
		s.codec.SetDeadline(time.Time{})

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.simpleQuery(ctx, m.String); err != nil {
				return err
			}
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe,
			*pgproto3.Execute, *pgproto3.Close, *pgproto3.Flush, *pgproto3.Sync:
			if err := s.extended(ctx, msg); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			return nil
		default:
			err := fmt.Errorf("unexpected message %T", msg)
			s.codec.Send(&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     pgerrcode.ProtocolViolation,
				Message:  err.Error(),
			})
			s.codec.Flush()
			return err
		}
	}
}

// shutdown delivers the graceful-shutdown courtesy error. It writes raw
// bytes past the codec buffer because it runs on the server's goroutine,
// then closes the socket, which unblocks the session.
func (s *session) shutdown() {
	resp := fatalResponse(errShutdown)
	buf, err := resp.Encode(nil)
	if err == nil {
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.Write(buf)
	}
	s.conn.Close()
}

func (s *session) cleanup() {
	s.closePortals()
	if s.runLease != nil {
		s.runLease.Discard()
		s.runLease = nil
	}
	if s.txLease != nil {
		s.txLease.Discard()
		s.txLease = nil
	}
	if s.pid != 0 {
		s.server.registry.Remove(s.pid, s.secret)
		s.server.unregisterInfo(s.pid)
	}
	s.conn.Close()
}

func (s *session) sendReady() error {
	s.codec.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus})
	return s.codec.Flush()
}

func (s *session) reportError(err error) {
	resp := errorResponse(err)
	s.codec.Send(resp)
	if m := s.server.metrics; m != nil {
		m.ErrorReturned(resp.Code)
	}
}

// cancelCurrent is invoked by the cancellation registry, from another
// goroutine.
func (s *session) cancelCurrent() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
}

// statementContext derives the context one statement runs under: cancel
// registered for out-of-band CancelRequest, plus the statement timeout.
func (s *session) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	var c context.Context
	var cancel context.CancelFunc
	if t := s.server.opts.StatementTimeout; t > 0 {
		c, cancel = context.WithTimeout(ctx, t)
	} else {
		c, cancel = context.WithCancel(ctx)
	}
	s.cancelMu.Lock()
	s.cancelFn = cancel
	s.cancelMu.Unlock()

	return c, func() {
		s.cancelMu.Lock()
		s.cancelFn = nil
		s.cancelMu.Unlock()
		cancel()
	}
}

func (s *session) translateStatement(sql string, oids []uint32) (*translate.Result, error) {
	start := time.Now()
	res, err := s.server.translator.Translate(sql, oids)
	if m := s.server.metrics; m != nil {
		m.TranslationObserved(time.Since(start))
	}
	return res, err
}

// acquireConn leases a backend connection for one statement. Inside a
// transaction or extended run the pinned lease is reused and the release
// function is a no-op.
func (s *session) acquireConn(ctx context.Context) (iris.Conn, func(broken bool), error) {
	if s.txLease != nil {
		return s.txLease.Conn(), func(bool) {}, nil
	}
	if s.runLease != nil {
		return s.runLease.Conn(), func(bool) {}, nil
	}

	start := time.Now()
	lease, err := s.server.pool.Acquire(ctx)
	if m := s.server.metrics; m != nil {
		m.PoolAcquire(time.Since(start))
	}
	if err != nil {
		return nil, nil, err
	}
	return lease.Conn(), func(broken bool) {
		if s.txLease == lease || s.runLease == lease {
			return
		}
		if broken {
			lease.Discard()
		} else {
			lease.Release()
		}
	}, nil
}

// simpleQuery runs one Query message: split, translate, execute each
// statement, first error aborts the rest. ReadyForQuery always follows.
func (s *session) simpleQuery(ctx context.Context, text string) error {
	stmts, err := translate.SplitStatements(text)
	if err != nil {
		s.reportError(err)
		return s.sendReady()
	}

	for _, stmt := range stmts {
		if err := s.runSimpleStatement(ctx, stmt); err != nil {
			s.reportError(err)
			if s.txStatus == txActive {
				s.txStatus = txFailed
			}
			break
		}
	}
	return s.sendReady()
}

func (s *session) runSimpleStatement(ctx context.Context, stmt string) error {
	start := time.Now()
	res, err := s.translateStatement(stmt, nil)
	if err != nil {
		return err
	}

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

	switch res.Class {
	case translate.ClassCatalog:
		err = s.runProbe(sctx, res)
	case translate.ClassCopyIn:
		err = s.runCopyIn(sctx, res)
	case translate.ClassCopyOut:
		err = s.runCopyOut(sctx, res)
	default:
		err = s.runDirect(sctx, res)
	}

	if m := s.server.metrics; m != nil && err == nil {
		m.QueryExecuted(className(res.Class), time.Since(start))
	}
	return err
}

// runTransactionVerb executes BEGIN/COMMIT/ROLLBACK/SAVEPOINT handling.
// BEGIN pins a pool lease for the transaction's lifetime.
func (s *session) runTransactionVerb(ctx context.Context, res *translate.Result) error {
	switch res.Verb {
	case translate.VerbBegin:
		switch s.txStatus {
		case txActive:
			s.warn(pgerrcode.ActiveSQLTransaction, "there is already a transaction in progress")
			s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
			return nil
		case txFailed:
			return errFailedTx
		}

		lease := s.runLease
		s.runLease = nil
		if lease == nil {
			var err error
			lease, err = s.server.pool.Acquire(ctx)
			if err != nil {
				return err
			}
		}
		if _, err := lease.Conn().Exec(ctx, res.SQL); err != nil {
			lease.Discard()
			return err
		}
		s.txLease = lease
		s.txStatus = txActive
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
		return nil

	case translate.VerbCommit:
		tag := "COMMIT"
		switch s.txStatus {
		case txIdle:
			s.warn(pgerrcode.NoActiveSQLTransaction, "there is no transaction in progress")
		case txFailed:
			// COMMIT of a failed transaction rolls back.
			tag = "ROLLBACK"
			if err := s.endTransaction(ctx, "ROLLBACK"); err != nil {
				return err
			}
		default:
			if err := s.endTransaction(ctx, res.SQL); err != nil {
				return err
			}
		}
		s.txStatus = txIdle
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
		return nil

	case translate.VerbRollback:
		if isSavepointRollback(res.SQL) {
			if s.txStatus == txIdle {
				return savepointOutsideTx()
			}
			if _, err := s.txLease.Conn().Exec(ctx, res.SQL); err != nil {
				return err
			}
			// Rolling back to a savepoint clears the failed state.
			s.txStatus = txActive
			s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")})
			return nil
		}

		if s.txStatus == txIdle {
			s.warn(pgerrcode.NoActiveSQLTransaction, "there is no transaction in progress")
		} else if err := s.endTransaction(ctx, "ROLLBACK"); err != nil {
			return err
		}
		s.txStatus = txIdle
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")})
		return nil

	case translate.VerbSavepoint, translate.VerbRelease:
		if s.txStatus != txActive {
			if s.txStatus == txFailed {
				return errFailedTx
			}
			return savepointOutsideTx()
		}
		if _, err := s.txLease.Conn().Exec(ctx, res.SQL); err != nil {
			return err
		}
		tag := "SAVEPOINT"
		if res.Verb == translate.VerbRelease {
			tag = "RELEASE"
		}
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
		return nil
	}
	return fmt.Errorf("unrecognized transaction verb")
}

// endTransaction runs the terminating statement on the pinned lease and
// releases it. Portals do not survive the transaction.
func (s *session) endTransaction(ctx context.Context, sql string) error {
	lease := s.txLease
	s.txLease = nil
	s.closePortals()

	if lease == nil {
		return nil
	}
	_, err := lease.Conn().Exec(ctx, sql)
	if err != nil {
		lease.Discard()
		return err
	}
	lease.Release()
	return nil
}

func isSavepointRollback(sql string) bool {
	rest, ok := cutKeyword(sql, "ROLLBACK")
	if !ok {
		return false
	}
	_, ok = cutKeyword(rest, "TO")
	return ok
}

func cutKeyword(s, kw string) (string, bool) {
	trimmed := trimLeftSpace(s)
	if len(trimmed) < len(kw) || !equalFoldPrefix(trimmed, kw) {
		return s, false
	}
	return trimmed[len(kw):], true
}

func trimLeftSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n' || s[0] == '\r') {
		s = s[1:]
	}
	return s
}

func equalFoldPrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'a' <= a && a <= 'z' {
			a -= 'a' - 'A'
		}
		if 'a' <= b && b <= 'z' {
			b -= 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func savepointOutsideTx() error {
	return &sessionError{
		code: pgerrcode.NoActiveSQLTransaction,
		msg:  "SAVEPOINT can only be used in transaction blocks",
	}
}

// sessionError carries an explicit SQLSTATE.
type sessionError struct {
	code string
	msg  string
}

func (e *sessionError) Error() string { return e.msg }

func (s *session) warn(code, msg string) {
	s.codec.Send(&pgproto3.NoticeResponse{
		Severity: "WARNING",
		Code:     code,
		Message:  msg,
	})
}

// rowSink streams DataRow messages with a flush at the high-water mark.
type rowSink struct {
	s        *session
	buffered int
}

func (rs *rowSink) WriteDataRow(values [][]byte) error {
	rs.s.codec.Send(&pgproto3.DataRow{Values: values})
	for _, v := range values {
		rs.buffered += len(v)
	}
	if rs.buffered >= rowHighWater {
		rs.buffered = 0
		return rs.s.codec.Flush()
	}
	return nil
}

func (s *session) runDirect(ctx context.Context, res *translate.Result) error {
	conn, release, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}

	out, err := s.server.executor.Execute(ctx, conn, res.SQL, nil, nil)
	if err != nil {
		release(true)
		return err
	}

	if out.Cursor == nil {
		s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(out.Tag)})
		release(false)
		return nil
	}

	s.codec.Send(&pgproto3.RowDescription{Fields: out.Cursor.Fields()})
	_, err = out.Cursor.Fetch(ctx, 0, &rowSink{s: s})
	out.Cursor.Close()
	if err != nil {
		release(true)
		return err
	}
	s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(out.Cursor.Tag())})
	release(false)
	return nil
}

func (s *session) runProbe(ctx context.Context, res *translate.Result) error {
	conn, release, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}

	result, err := s.catalog.Execute(ctx, conn, res.Probe)
	if err != nil {
		release(true)
		return err
	}
	release(false)

	s.codec.Send(&pgproto3.RowDescription{Fields: result.Fields})
	for _, row := range result.Rows {
		s.codec.Send(&pgproto3.DataRow{Values: row})
	}
	tag := "SELECT " + strconv.Itoa(len(result.Rows))
	s.codec.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return nil
}

func (s *session) runCopyIn(ctx context.Context, res *translate.Result) error {
	conn, release, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}

	sink, err := s.server.executor.CopyIn(conn, res.Copy)
	if err != nil {
		release(false)
		return err
	}

	s.codec.Send(&pgproto3.CopyInResponse{
		OverallFormat:     0,
		ColumnFormatCodes: make([]uint16, len(res.Copy.Columns)),
	})
	if err := s.codec.Flush(); err != nil {
		release(false)
		return err
	}

	var copyErr error
	var bytesIn int64
	for {
		msg, err := s.codec.Receive()
		if err != nil {
			release(true)
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if copyErr != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				copyErr = err
				continue
			}
			bytesIn += int64(len(m.Data))
			if err := sink.Write(ctx, m.Data); err != nil {
				copyErr = err
			}
		case *pgproto3.CopyDone:
			if copyErr != nil {
				release(false)
				return copyErr
			}
			n, err := sink.Finish(ctx)
			if err != nil {
				release(false)
				return err
			}
			if mc := s.server.metrics; mc != nil {
				mc.CopyProgress("in", n, bytesIn)
			}
			s.codec.Send(&pgproto3.CommandComplete{
				CommandTag: []byte("COPY " + strconv.FormatInt(n, 10)),
			})
			release(false)
			return nil
		case *pgproto3.CopyFail:
			release(false)
			return fmt.Errorf("%w: %s", errCopyFail, m.Message)
		case *pgproto3.Flush, *pgproto3.Sync:
			// Permitted mid-COPY in the extended protocol.
		default:
			release(true)
			return fmt.Errorf("unexpected %T during COPY FROM STDIN", msg)
		}
	}
}

func (s *session) runCopyOut(ctx context.Context, res *translate.Result) error {
	conn, release, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}

	stream, err := s.server.executor.CopyOut(ctx, conn, res.Copy)
	if err != nil {
		release(false)
		return err
	}

	s.codec.Send(&pgproto3.CopyOutResponse{
		OverallFormat:     0,
		ColumnFormatCodes: make([]uint16, stream.Columns()),
	})

	high := s.server.opts.CopyHighWater
	if high <= 0 {
		high = 10 << 20
	}

	var bytesOut int64
	for {
		chunk, done, err := stream.NextChunk(ctx, high)
		if err != nil {
			stream.Close()
			release(true)
			return err
		}
		if len(chunk) > 0 {
			bytesOut += int64(len(chunk))
			s.codec.Send(&pgproto3.CopyData{Data: chunk})
			// Flushing per chunk bounds the outbound buffer; a stalled
			// client blocks here instead of growing memory.
			if err := s.codec.Flush(); err != nil {
				stream.Close()
				release(true)
				return err
			}
		}
		if done {
			break
		}
	}

	if mc := s.server.metrics; mc != nil {
		mc.CopyProgress("out", stream.Rows(), bytesOut)
	}
	s.codec.Send(&pgproto3.CopyDone{})
	s.codec.Send(&pgproto3.CommandComplete{
		CommandTag: []byte("COPY " + strconv.FormatInt(stream.Rows(), 10)),
	})
	release(false)
	return nil
}

func (s *session) closePortals() {
	for name, p := range s.portals {
		if p.cursor != nil {
			p.cursor.Close()
		}
		delete(s.portals, name)
	}
}

func className(c translate.Class) string {
	switch c {
	case translate.ClassEmpty:
		return "empty"
	case translate.ClassDirect:
		return "direct"
	case translate.ClassTransaction:
		return "transaction"
	case translate.ClassCatalog:
		return "catalog"
	case translate.ClassCopyIn:
		return "copy_in"
	case translate.ClassCopyOut:
		return "copy_out"
	default:
		return "other"
	}
}
