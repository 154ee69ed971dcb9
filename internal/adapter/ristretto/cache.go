// Package ristretto implements the cache port using dgraph-io/ristretto as L1
// in-process cache, plus a typed cache for compiled routing patterns.
package ristretto

import (
	"context"
	"regexp"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache as an in-process L1 cache.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed cache. maxCostBytes is the maximum total
// size of cached values in bytes.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, 1000),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL. A zero TTL keeps the value until it
// is evicted.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.c.Wait()
}

// HitRatio reports the cache hit ratio since creation.
func (c *Cache) HitRatio() float64 {
	return c.c.Metrics.Ratio()
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}

// Patterns caches compiled routing patterns keyed by their source text.
type Patterns struct {
	c *ristretto.Cache[string, *regexp.Regexp]
}

// NewPatterns creates a pattern cache holding up to maxEntries expressions.
func NewPatterns(maxEntries int64) (*Patterns, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *regexp.Regexp]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Patterns{c: c}, nil
}

// Get returns the compiled expression for pattern.
func (p *Patterns) Get(pattern string) (*regexp.Regexp, bool) {
	return p.c.Get(pattern)
}

// Set stores a compiled expression. Admission is best effort.
func (p *Patterns) Set(pattern string, re *regexp.Regexp) {
	p.c.Set(pattern, re, 1)
}

// Close releases the cache.
func (p *Patterns) Close() {
	p.c.Close()
}
