// Package pool maintains a bounded set of IRIS connections shared by all
// client sessions. Sessions lease a connection per statement (or per
// transaction) and return it; the pool keeps size resident connections
// warm and allows maxOverflow extra under load.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irisgate/irisgate/internal/iris"
)

var (
	// ErrExhausted means no lease became available within the acquire
	// timeout.
	ErrExhausted = errors.New("pool exhausted")

	// ErrClosed means the pool is shutting down.
	ErrClosed = errors.New("pool closed")
)

// Config sizes and tunes a Pool. Zero durations select the defaults.
type Config struct {
	Size           int           // resident connections kept warm
	MaxOverflow    int           // extra connections allowed under load
	AcquireTimeout time.Duration // how long Acquire waits when exhausted
	Recycle        time.Duration // max connection lifetime, 0 = unlimited
	IdleTimeout    time.Duration // overflow conns idle longer are reaped
	HealthInterval time.Duration // backend ping period

	// Degraded is declared after this many consecutive failed health
	// checks.
	FailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Target      string `json:"target"`
	Active      int    `json:"active"`
	Idle        int    `json:"idle"`
	Total       int    `json:"total"`
	Waiting     int    `json:"waiting"`
	Size        int    `json:"size"`
	MaxOverflow int    `json:"max_overflow"`
	Exhausted   int64  `json:"exhausted_total"`
	Degraded    bool   `json:"degraded"`
}

// OnExhausted is called each time Acquire has to wait because every
// connection is leased.
type OnExhausted func()

// Pool is the connection pool. Safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast when a connection is returned

	connector iris.Connector
	cfg       Config

	idle      []*pooledConn
	active    map[*pooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	healthFailures int
	degraded       bool

	closed      bool
	stopCh      chan struct{}
	onExhausted OnExhausted
}

// New builds the pool, warms it in the background and starts the health
// and reaper loops.
func New(connector iris.Connector, cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		connector: connector,
		cfg:       cfg,
		active:    make(map[*pooledConn]struct{}),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.warmUp()
	go p.reapLoop()
	go p.healthLoop()
	return p
}

// SetOnExhausted sets the exhaustion callback. Call before serving
// traffic.
func (p *Pool) SetOnExhausted(cb OnExhausted) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExhausted = cb
}

func (p *Pool) maxConns() int { return p.cfg.Size + p.cfg.MaxOverflow }

// Retune applies new tunables from a config reload. The connector and
// the running health loop keep their original settings; size changes
// take effect as connections are acquired, returned and reaped.
func (p *Pool) Retune(cfg Config) {
	cfg.applyDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Size = cfg.Size
	p.cfg.MaxOverflow = cfg.MaxOverflow
	p.cfg.AcquireTimeout = cfg.AcquireTimeout
	p.cfg.Recycle = cfg.Recycle
	p.cfg.IdleTimeout = cfg.IdleTimeout
	p.cfg.FailureThreshold = cfg.FailureThreshold
	p.cond.Broadcast()
	slog.Info("pool retuned", "size", cfg.Size, "max_overflow", cfg.MaxOverflow)
}

// warmUp pre-opens the resident connections so the first sessions do not
// pay dial latency.
func (p *Pool) warmUp() {
	for i := 0; i < p.cfg.Size; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Size {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "size", p.cfg.Size, "target", p.connector.Name(), "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.close()
			return
		}
		pc.markIdle()
		p.idle = append(p.idle, pc)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", p.cfg.Size, "target", p.connector.Name())
}

// Acquire leases a connection, opening one if the pool is under its
// limit. It blocks up to the acquire timeout (or the context deadline,
// whichever comes first) when the pool is exhausted.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	deadlineAt := time.Now().Add(p.cfg.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		// Prefer an idle connection; recycle expired ones on the way.
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.expired(p.cfg.Recycle) {
				pc.close()
				p.total--
				continue
			}

			pc.markActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return &Lease{pc: pc, pool: p}, nil
		}

		if p.total < p.maxConns() {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s: %w", p.connector.Name(), err)
			}

			pc.markActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return &Lease{pc: pc, pool: p}, nil
		}

		// Exhausted: wait for a return.
		p.waiting++
		p.exhausted++
		cb := p.onExhausted
		p.mu.Unlock()

		if cb != nil {
			cb()
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): %w", p.cfg.AcquireTimeout, ErrExhausted)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): %w", p.cfg.AcquireTimeout, ErrExhausted)
		}
	}
}

// put releases a connection back to the pool. Broken or expired
// connections are closed instead of reused.
func (p *Pool) put(pc *pooledConn, broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if broken || p.closed || pc.expired(p.cfg.Recycle) {
		pc.close()
		p.total--
		p.cond.Broadcast()
		return
	}

	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Broadcast()
}

// Stats returns a snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Target:      p.connector.Name(),
		Active:      len(p.active),
		Idle:        len(p.idle),
		Total:       p.total,
		Waiting:     p.waiting,
		Size:        p.cfg.Size,
		MaxOverflow: p.cfg.MaxOverflow,
		Exhausted:   p.exhausted,
		Degraded:    p.degraded,
	}
}

// Degraded reports whether consecutive backend health checks have
// failed. New sessions should be refused while degraded.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Ping checks backend reachability using an idle connection, dialing a
// fresh one if none is idle.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.Lock()
	var pc *pooledConn
	if len(p.idle) > 0 {
		pc = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.active[pc] = struct{}{}
	}
	p.mu.Unlock()

	if pc != nil {
		err := pc.conn.Ping(ctx)
		p.put(pc, err != nil)
		return err
	}

	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}

// Drain closes idle connections and waits for active ones to come back.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining active connections", "count", activeCount, "target", p.connector.Name())
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.close()
				p.total--
			}
			p.active = make(map[*pooledConn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active connections after drain timeout", "target", p.connector.Name())
			return
		}
	}
}

// Close shuts the pool down. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return newPooledConn(conn), nil
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle trims overflow connections that have sat idle too long,
// oldest first, keeping the resident size.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.Size {
		return
	}

	kept := make([]*pooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.Size
	for i, pc := range p.idle {
		if i < excess && (pc.idleFor(p.cfg.IdleTimeout) || pc.expired(p.cfg.Recycle)) {
			pc.close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.healthCheck()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthInterval)
	err := p.Ping(ctx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.healthFailures++
		if p.healthFailures >= p.cfg.FailureThreshold && !p.degraded {
			p.degraded = true
			slog.Error("backend degraded", "target", p.connector.Name(), "failures", p.healthFailures, "err", err)
		}
		return
	}
	if p.degraded {
		slog.Info("backend recovered", "target", p.connector.Name())
	}
	p.healthFailures = 0
	p.degraded = false
}
