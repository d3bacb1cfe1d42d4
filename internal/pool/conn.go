package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/irisgate/irisgate/internal/iris"
)

type connState int

const (
	stateIdle connState = iota
	stateActive
	stateClosed
)

// pooledConn wraps an IRIS connection with pooling metadata.
type pooledConn struct {
	mu        sync.Mutex
	conn      iris.Conn
	state     connState
	createdAt time.Time
	lastUsed  time.Time
}

func newPooledConn(conn iris.Conn) *pooledConn {
	now := time.Now()
	return &pooledConn{conn: conn, state: stateIdle, createdAt: now, lastUsed: now}
}

func (pc *pooledConn) markActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = stateActive
	pc.lastUsed = time.Now()
}

func (pc *pooledConn) markIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = stateIdle
	pc.lastUsed = time.Now()
}

// expired reports whether the connection passed its recycle lifetime.
func (pc *pooledConn) expired(recycle time.Duration) bool {
	if recycle <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > recycle
}

// idleFor reports whether the connection sat idle past the timeout.
func (pc *pooledConn) idleFor(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == stateIdle && time.Since(pc.lastUsed) > idleTimeout
}

func (pc *pooledConn) close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == stateClosed {
		return nil
	}
	pc.state = stateClosed
	return pc.conn.Close()
}

// Lease is a borrowed connection. Exactly one of Release or Discard must
// be called when the holder is done; extra calls are no-ops.
type Lease struct {
	pc   *pooledConn
	pool *Pool
	done atomic.Bool
}

// Conn exposes the leased IRIS connection.
func (l *Lease) Conn() iris.Conn { return l.pc.conn }

// Age reports how long ago the underlying connection was opened.
func (l *Lease) Age() time.Duration { return time.Since(l.pc.createdAt) }

// Release returns a healthy connection to the pool.
func (l *Lease) Release() {
	if l.done.CompareAndSwap(false, true) {
		l.pool.put(l.pc, false)
	}
}

// Discard closes the connection instead of returning it. Use after an
// I/O error or when session state may have leaked onto the connection.
func (l *Lease) Discard() {
	if l.done.CompareAndSwap(false, true) {
		l.pool.put(l.pc, true)
	}
}
