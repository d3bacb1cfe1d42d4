package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/irisgate/irisgate/internal/iris"
)

// newBenchPool creates a pool of n stub connections, fully warmed, with a
// large acquire timeout so waits don't skew results.
func newBenchPool(b *testing.B, n int) *Pool {
	b.Helper()
	p := New(&iris.StubConnector{}, Config{
		Size:           n,
		AcquireTimeout: 30 * time.Second,
		Recycle:        30 * time.Minute,
		IdleTimeout:    5 * time.Minute,
		HealthInterval: time.Hour,
	})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Total < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Stats().Total < n {
		b.Fatalf("pool never warmed to %d connections", n)
	}
	return p
}

// BenchmarkAcquireRelease measures a single goroutine repeatedly leasing
// and immediately releasing; pool size 1 so there is no contention.
func BenchmarkAcquireRelease(b *testing.B) {
	p := newBenchPool(b, 1)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lease, err := p.Acquire(ctx)
		if err != nil {
			b.Fatalf("Acquire failed: %v", err)
		}
		lease.Release()
	}
}

// BenchmarkAcquireReleaseParallel measures throughput under concurrent
// access with the pool sized so goroutines rarely wait.
func BenchmarkAcquireReleaseParallel(b *testing.B) {
	p := newBenchPool(b, 12)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			lease, err := p.Acquire(ctx)
			if err != nil {
				continue
			}
			lease.Release()
		}
	})
}

// BenchmarkAcquireContended measures latency with more goroutines than
// connections.
func BenchmarkAcquireContended(b *testing.B) {
	p := newBenchPool(b, 4)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			lease, err := p.Acquire(ctx)
			if err != nil {
				continue
			}
			// 1µs simulated work to force genuine contention.
			time.Sleep(time.Microsecond)
			lease.Release()
		}
	})
}

// BenchmarkPoolStats measures the overhead of the stats snapshot read by
// the metrics loop.
func BenchmarkPoolStats(b *testing.B) {
	p := newBenchPool(b, 4)
	defer p.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}

// BenchmarkConcurrentThroughput measures aggregate ops/sec with a worker
// pattern: N workers each acquire, work, release.
func BenchmarkConcurrentThroughput(b *testing.B) {
	p := newBenchPool(b, 8)
	defer p.Close()

	ctx := context.Background()
	const workers = 32
	work := make(chan struct{}, b.N)
	for i := 0; i < b.N; i++ {
		work <- struct{}{}
	}
	close(work)

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				lease, err := p.Acquire(ctx)
				if err != nil {
					continue
				}
				lease.Release()
			}
		}()
	}
	wg.Wait()
}
