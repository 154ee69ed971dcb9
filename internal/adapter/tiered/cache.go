// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
)

// Cache combines an L1 (in-process) and an optional L2 (remote) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit). An unavailable L2
// degrades to a miss so callers fall through to the source of truth.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration

	l1Hits   atomic.Int64
	l2Hits   atomic.Int64
	misses   atomic.Int64
	l2Errors atomic.Int64
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	L1Hits   int64 `json:"l1_hits"`
	L2Hits   int64 `json:"l2_hits"`
	Misses   int64 `json:"misses"`
	L2Errors int64 `json:"l2_errors"`
}

// New creates a tiered cache. l2 may be nil. l1Expire controls how long L2
// backfill entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		c.l1Hits.Add(1)
		return val, true, nil
	}

	if c.l2 != nil {
		val, found, err = c.l2.Get(ctx, key)
		if err != nil {
			c.l2Errors.Add(1)
		} else if found {
			c.l2Hits.Add(1)
			_ = c.l1.Set(ctx, key, val, c.l1Expire)
			return val, true, nil
		}
	}

	c.misses.Add(1)
	return nil, false, nil
}

// Set writes to L1, then L2. An L2 failure is returned after L1 was updated.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1Expire > 0 && (l1TTL <= 0 || l1TTL > c.l1Expire) {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.l2Errors.Add(1)
		return err
	}
	return nil
}

// Delete removes from both L1 and L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}

// Stats returns the hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:   c.l1Hits.Load(),
		L2Hits:   c.l2Hits.Load(),
		Misses:   c.misses.Load(),
		L2Errors: c.l2Errors.Load(),
	}
}
