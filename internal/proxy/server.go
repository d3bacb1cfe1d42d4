// Package proxy accepts PostgreSQL wire-protocol clients and runs their
// sessions against IRIS: startup and authentication, the simple and
// extended query protocols, COPY transfers and query cancellation.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/irisgate/irisgate/internal/backend"
	"github.com/irisgate/irisgate/internal/metrics"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/translate"
)

// Options are the per-server session settings.
type Options struct {
	// ServerVersion is reported in the server_version parameter status.
	ServerVersion string

	// Database and Schema name the IRIS namespace and default schema
	// presented to clients.
	Database string
	Schema   string

	// AuthTimeout bounds the startup and authentication exchange.
	// Zero selects 5s.
	AuthTimeout time.Duration

	// IdleTimeout disconnects a session with no inbound traffic.
	// Zero disables it.
	IdleTimeout time.Duration

	// StatementTimeout bounds each statement's execution. Zero disables
	// it.
	StatementTimeout time.Duration

	// MaxFrameBytes bounds inbound protocol frames.
	MaxFrameBytes int

	// CopyHighWater caps the bytes buffered per COPY TO STDOUT chunk.
	CopyHighWater int
}

// Server is the gateway's client-facing listener. Each accepted
// connection runs a session on its own goroutine.
type Server struct {
	opts       Options
	translator *translate.Translator
	executor   *backend.Executor
	pool       *pool.Pool
	auth       Authenticator
	registry   *Registry
	metrics    *metrics.Collector

	ln net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	info     map[uint32]SessionInfo
	pids     map[uint32]struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires a server from its collaborators. metrics may be nil.
func NewServer(opts Options, tr *translate.Translator, ex *backend.Executor, p *pool.Pool, auth Authenticator, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		translator: tr,
		executor:   ex,
		pool:       p,
		auth:       auth,
		registry:   NewRegistry(),
		metrics:    m,
		sessions:   make(map[*session]struct{}),
		info:       make(map[uint32]SessionInfo),
		pids:       make(map[uint32]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry exposes the cancellation registry, for the admin API.
func (s *Server) Registry() *Registry { return s.registry }

// Listen binds the client listener and starts accepting.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("[proxy] listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Serve(conn)
		}()
	}
}

// Serve runs one client connection to completion. It is exported so a
// session can be driven over an in-process pipe.
func (s *Server) Serve(conn net.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	if m := s.metrics; m != nil {
		m.SessionOpened()
	}

	err := sess.run(s.ctx)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	if m := s.metrics; m != nil {
		m.SessionClosed()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("[proxy] session ended: %v", err)
	}
}

// SessionCount reports how many sessions are live.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionInfo describes one authenticated session for the admin API.
type SessionInfo struct {
	PID         uint32    `json:"pid"`
	User        string    `json:"user"`
	Database    string    `json:"database"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Server) registerInfo(info SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[info.PID] = info
}

func (s *Server) unregisterInfo(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.info, pid)
	delete(s.pids, pid)
}

// Sessions lists the authenticated sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.info))
	for _, info := range s.info {
		out = append(out, info)
	}
	return out
}

// CancelSession cancels whatever statement the session with pid is
// running. It reports whether the pid was known.
func (s *Server) CancelSession(pid uint32) bool {
	return s.registry.CancelPID(pid)
}

// Stop closes the listener, tells every live session the gateway is
// shutting down and waits for them to unwind, up to the grace period.
func (s *Server) Stop(grace time.Duration) {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[proxy] shutdown grace period expired with sessions still live")
	}
	log.Printf("[proxy] server stopped")
}

// nextPID draws a random backend key pid, skipping zero and any pid a
// live session still holds. The slot frees when the session unregisters.
func (s *Server) nextPID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		pid := randomSecret()
		if _, taken := s.pids[pid]; taken {
			continue
		}
		s.pids[pid] = struct{}{}
		return pid
	}
}

func randomSecret() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand never fails on supported platforms.
			panic(err)
		}
		if secret := binary.BigEndian.Uint32(buf[:]); secret != 0 {
			return secret
		}
	}
}
