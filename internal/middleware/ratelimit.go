package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultMaxBuckets = 100_000

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// RateLimiter is a per-caller token bucket. Callers are keyed by client IP
// unless a KeyFunc is installed.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64 // tokens per second
	burst      float64
	maxBuckets int
	keyFunc    KeyFunc
	now        func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate (requests
// per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      float64(max(burst, 1)),
		maxBuckets: defaultMaxBuckets,
		keyFunc:    realIP,
		now:        time.Now,
	}
}

// WithKeyFunc replaces the bucket key function and returns rl.
func (rl *RateLimiter) WithKeyFunc(fn KeyFunc) *RateLimiter {
	rl.keyFunc = fn
	return rl
}

// UserOrIP keys requests by the X-User-ID header, falling back to the client IP.
func UserOrIP(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return "user:" + u
	}
	return "ip:" + realIP(r)
}

// Handler enforces the limit and reports it in X-RateLimit-* headers.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	limit := strconv.Itoa(int(rl.burst))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.allow(rl.keyFunc(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit", limit)
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes one token from key's bucket. It returns the whole tokens
// left, how long until the next token when refused, and whether the request
// may proceed.
func (rl *RateLimiter) allow(key string) (remaining int, retryAfter time.Duration, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets && !rl.evictOldest() {
			return 0, time.Second, false
		}
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	} else {
		b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.last).Seconds()*rl.rate)
		b.last = now
	}

	if b.tokens < 1 {
		if rl.rate <= 0 {
			return 0, time.Minute, false
		}
		return 0, time.Duration((1 - b.tokens) / rl.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// evictOldest drops the least recently seen bucket. Callers hold mu.
func (rl *RateLimiter) evictOldest() bool {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, b := range rl.buckets {
		if oldestKey == "" || b.last.Before(oldest) {
			oldestKey, oldest = k, b.last
		}
	}
	if oldestKey == "" {
		return false
	}
	delete(rl.buckets, oldestKey)
	return true
}

// RunCleanup removes buckets idle for longer than maxIdle every interval
// until ctx ends.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(maxIdle)
		}
	}
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Len returns the number of tracked buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// realIP returns the RemoteAddr host. Forwarding headers are not trusted
// here; chi's RealIP middleware rewrites RemoteAddr when deployed behind a
// known proxy.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
