// Package health runs a periodic end-to-end probe of the IRIS backend
// and keeps a status snapshot for the admin API's health and readiness
// endpoints.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/irisgate/irisgate/internal/metrics"
	"github.com/irisgate/irisgate/internal/pool"
)

// Status represents the probed state of the backend.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Snapshot holds the latest probe outcome.
type Snapshot struct {
	Status              Status        `json:"status"`
	LastCheck           time.Time     `json:"last_check"`
	LastLatency         time.Duration `json:"last_latency_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Checker pings IRIS through the connection pool so the probe exercises
// the same path client queries take.
type Checker struct {
	pool    *pool.Pool
	metrics *metrics.Collector

	interval         time.Duration
	timeout          time.Duration
	failureThreshold int

	mu   sync.RWMutex
	snap Snapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker. Zero interval selects 15s, zero timeout
// 3s, zero threshold 3.
func NewChecker(p *pool.Pool, m *metrics.Collector, interval, timeout time.Duration, failureThreshold int) *Checker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Checker{
		pool:             p,
		metrics:          m,
		interval:         interval,
		timeout:          timeout,
		failureThreshold: failureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.pool.Ping(ctx)
	c.update(time.Since(start), err)
}

func (c *Checker) update(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap.LastCheck = time.Now()
	c.snap.LastLatency = latency

	if err == nil {
		if c.snap.ConsecutiveFailures > 0 {
			slog.Info("backend recovered", "failures", c.snap.ConsecutiveFailures)
		}
		c.snap.Status = StatusHealthy
		c.snap.ConsecutiveFailures = 0
		c.snap.LastError = ""
	} else {
		c.snap.ConsecutiveFailures++
		c.snap.LastError = err.Error()
		if c.snap.ConsecutiveFailures >= c.failureThreshold {
			if c.snap.Status != StatusUnhealthy {
				slog.Warn("backend marked unhealthy", "failures", c.snap.ConsecutiveFailures, "err", err)
			}
			c.snap.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetBackendHealth(c.snap.Status != StatusUnhealthy)
	}
}

// Healthy reports whether the backend is usable. Unknown counts as
// healthy so a fresh gateway does not fail its first probe.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Status != StatusUnhealthy
}

// Current returns the latest snapshot.
func (c *Checker) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
