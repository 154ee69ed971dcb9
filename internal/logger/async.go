package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes buffered log output.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// queued pairs a record with the handler (attrs and groups applied) that
// must eventually write it.
type queued struct {
	h   slog.Handler
	rec slog.Record
}

// asyncQueue is shared by an AsyncHandler and every handler derived from it
// through WithAttrs or WithGroup, so one Close drains them all.
type asyncQueue struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan queued
	workers sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler moves record formatting and I/O off the calling goroutine.
// Records at or above SyncLevel bypass the queue and are written inline so
// errors survive a full buffer. Queued records are dropped and counted when
// the buffer is full or the handler is closed.
type AsyncHandler struct {
	inner     slog.Handler
	q         *asyncQueue
	SyncLevel slog.Level
}

// NewAsyncHandler starts workers draining a buffer of the given size.
func NewAsyncHandler(inner slog.Handler, buffer, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan queued, buffer)}
	for range max(workers, 1) {
		q.workers.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q, SyncLevel: slog.LevelError}
}

func (q *asyncQueue) drain() {
	defer q.workers.Done()
	for item := range q.ch {
		_ = item.h.Handle(context.Background(), item.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler signature
	if rec.Level >= h.SyncLevel {
		return h.inner.Handle(ctx, rec)
	}

	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		h.q.dropped.Add(1)
		return nil
	}
	select {
	case h.q.ch <- queued{h: h.inner, rec: rec.Clone()}:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q, SyncLevel: h.SyncLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q, SyncLevel: h.SyncLevel}
}

// Dropped reports how many records never reached the inner handler.
func (h *AsyncHandler) Dropped() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records, waits for the queue to drain and, if any
// records were lost, writes one warning saying how many. Repeated calls are
// no-ops apart from waiting.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	first := !h.q.closed
	if first {
		h.q.closed = true
		close(h.q.ch)
	}
	h.q.mu.Unlock()
	h.q.workers.Wait()

	if n := h.q.dropped.Load(); first && n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async log records dropped", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
