// Package cachetest provides a compliance suite for cache.Cache implementations.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
)

// Settle is called after every write so implementations with buffered
// writes (ristretto) can flush before the next read.
type Settle func()

// Run runs the compliance suite against c.
func Run(t *testing.T, c cache.Cache, settle Settle) {
	t.Helper()
	if settle == nil {
		settle = func() {}
	}
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "policy:v1", []byte(`{"version":1}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		val, found, err := c.Get(ctx, "policy:v1")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"version":1}` {
			t.Fatalf("unexpected value %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "policy:v404")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "policy:v2", []byte("x"), time.Minute)
		settle()
		if err := c.Delete(ctx, "policy:v2"); err != nil {
			t.Fatal(err)
		}
		settle()
		_, found, err := c.Get(ctx, "policy:v2")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "policy:never"); err != nil {
			t.Fatal("Delete of unknown key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "policy:v3", []byte("a"), time.Minute)
		settle()
		_ = c.Set(ctx, "policy:v3", []byte("b"), time.Minute)
		settle()
		val, found, err := c.Get(ctx, "policy:v3")
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(val) != "b" {
			t.Fatalf("expected b after overwrite, got %q (found=%v)", val, found)
		}
	})
}
