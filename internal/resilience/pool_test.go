package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// occupy fills every slot of p until the returned func is called.
func occupy(t *testing.T, p *Pool) (release func()) {
	t.Helper()
	var started sync.WaitGroup
	gate := make(chan struct{})
	for range p.Limit() {
		started.Add(1)
		go func() {
			_ = p.Run(context.Background(), func() error {
				started.Done()
				<-gate
				return nil
			})
		}()
	}
	started.Wait()
	return func() { close(gate) }
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolNeverExceedsLimit(t *testing.T) {
	pool := NewPool(3)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func() error {
				n := running.Add(1)
				for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 3 || p == 0 {
		t.Fatalf("peak concurrency = %d, want 1..3", p)
	}
}

func TestPoolPropagatesResult(t *testing.T) {
	errRole := errors.New("role failed")
	if err := NewPool(1).Run(context.Background(), func() error { return errRole }); !errors.Is(err, errRole) {
		t.Fatalf("Run() = %v, want %v", err, errRole)
	}
}

func TestPoolQueuedCallerGivesUp(t *testing.T) {
	pool := NewPool(1)
	release := occupy(t, pool)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Run(ctx, func() error {
		t.Error("fn ran without a slot")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want deadline exceeded", err)
	}
	if pool.Abandoned() != 1 || pool.Waiting() != 0 {
		t.Fatalf("abandoned=%d waiting=%d, want 1 and 0", pool.Abandoned(), pool.Waiting())
	}
}

func TestPoolGauges(t *testing.T) {
	pool := NewPool(2)
	var observed atomic.Int32
	pool.OnWait(func(time.Duration) { observed.Add(1) })

	release := occupy(t, pool)
	queued := make(chan error, 1)
	go func() { queued <- pool.Run(context.Background(), func() error { return nil }) }()

	eventually(t, func() bool { return pool.Waiting() == 1 }, "a queued caller")
	if got := pool.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2", got)
	}

	release()
	if err := <-queued; err != nil {
		t.Fatalf("queued run: %v", err)
	}
	eventually(t, func() bool { return pool.InFlight() == 0 }, "pool to drain")
	if got := observed.Load(); got != 3 {
		t.Errorf("wait observations = %d, want 3", got)
	}
}

func TestPoolEdgeCases(t *testing.T) {
	if got := NewPool(0).Limit(); got != 1 {
		t.Errorf("NewPool(0).Limit() = %d, want 1", got)
	}

	var nilPool *Pool
	called := false
	if err := nilPool.Run(context.Background(), func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("nil pool: err=%v called=%v", err, called)
	}
}
