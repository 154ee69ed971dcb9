package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent model invocations across every orchestration on
// the replica. Callers past the limit queue in FIFO order until a slot frees
// or their context ends.
type Pool struct {
	sem       *semaphore.Weighted
	limit     int
	inFlight  atomic.Int64
	waiting   atomic.Int64
	abandoned atomic.Int64
	onWait    func(time.Duration)
}

// NewPool returns a pool admitting limit concurrent calls (at least one).
func NewPool(limit int) *Pool {
	limit = max(limit, 1)
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// OnWait sets an observer for the queueing delay of each admitted call.
// It must be set before the pool is shared.
func (p *Pool) OnWait(fn func(time.Duration)) { p.onWait = fn }

// Run holds a slot for the duration of fn. If ctx ends first, fn is never
// called and ctx's error is returned. A nil Pool runs fn unbounded.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}

	queuedAt := time.Now()
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		p.abandoned.Add(1)
		return err
	}
	defer p.sem.Release(1)

	if p.onWait != nil {
		p.onWait(time.Since(queuedAt))
	}
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	return fn()
}

func (p *Pool) Limit() int      { return p.limit }
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }
func (p *Pool) Waiting() int64  { return p.waiting.Load() }

// Abandoned counts callers whose context ended while they were queued.
func (p *Pool) Abandoned() int64 { return p.abandoned.Load() }
