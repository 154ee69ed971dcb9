package middleware_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/middleware"
)

// mockCache is an in-memory cache.Cache for testing.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func makeTestHandler(counter *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *counter)
	})
}

func serve(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_NoHeader(t *testing.T) {
	counter := 0
	c := newMockCache()
	handler := middleware.Idempotency(c, time.Hour)(makeTestHandler(&counter, http.StatusOK))

	serve(handler, http.MethodPost, "/toggle", "")
	serve(handler, http.MethodPost, "/toggle", "")

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
	if c.len() != 0 {
		t.Fatalf("nothing should be cached without a key")
	}
}

func TestIdempotency_ReplaysResponse(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newMockCache(), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	first := serve(handler, http.MethodPut, "/policy", "key-1")
	second := serve(handler, http.MethodPut, "/policy", "key-1")

	if counter != 1 {
		t.Fatalf("expected 1 call, got %d", counter)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("expected replay marker header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Error("expected stored headers to be replayed")
	}
}

func TestIdempotency_KeysScopedToPath(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newMockCache(), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	serve(handler, http.MethodPost, "/toggle", "same")
	serve(handler, http.MethodPut, "/policy", "same")

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	counter := 0
	c := newMockCache()
	handler := middleware.Idempotency(c, time.Hour)(makeTestHandler(&counter, http.StatusBadGateway))

	serve(handler, http.MethodPost, "/orchestrations", "retry-me")
	serve(handler, http.MethodPost, "/orchestrations", "retry-me")

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
	if c.len() != 0 {
		t.Fatalf("5xx responses must not be cached")
	}
}

func TestIdempotency_GetBypasses(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newMockCache(), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	serve(handler, http.MethodGet, "/policy", "key")
	serve(handler, http.MethodGet, "/policy", "key")

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}

func TestIdempotency_RejectsLongKey(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newMockCache(), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'k'
	}
	rec := serve(handler, http.MethodPost, "/toggle", string(long))
	if rec.Code != http.StatusBadRequest || counter != 0 {
		t.Fatalf("expected 400 without calling the handler, got %d after %d calls", rec.Code, counter)
	}
}

func serveBody(h http.Handler, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orchestrations", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", key)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_BodyMismatch(t *testing.T) {
	var seen []string
	handler := middleware.Idempotency(newMockCache(), time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, string(b))
		w.WriteHeader(http.StatusCreated)
	}))

	if rec := serveBody(handler, "", "k", `{"prompt":"a"}`); rec.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", rec.Code)
	}
	if rec := serveBody(handler, "", "k", `{"prompt":"a"}`); rec.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", rec.Code)
	}
	if rec := serveBody(handler, "", "k", `{"prompt":"b"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("changed body: expected 422, got %d", rec.Code)
	}
	if len(seen) != 1 || seen[0] != `{"prompt":"a"}` {
		t.Fatalf("handler should see the original body exactly once, saw %q", seen)
	}
}

func TestIdempotency_ScopedToCaller(t *testing.T) {
	counter := 0
	handler := middleware.Idempotency(newMockCache(), time.Hour)(makeTestHandler(&counter, http.StatusOK))

	serveBody(handler, "alice", "k", "{}")
	serveBody(handler, "bob", "k", "{}")
	serveBody(handler, "alice", "k", "{}")

	if counter != 2 {
		t.Fatalf("expected one call per caller, got %d", counter)
	}
}

func TestIdempotency_DropsPerRequestHeaders(t *testing.T) {
	handler := middleware.Idempotency(newMockCache(), time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		w.Header().Set("X-Policy-Version", "7")
		w.WriteHeader(http.StatusOK)
	}))

	serve(handler, http.MethodPut, "/policy", "k")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/policy", http.NoBody)
	req.Header.Set("Idempotency-Key", "k")
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Policy-Version") != "7" {
		t.Error("expected X-Policy-Version to be replayed")
	}
	if rec.Header().Get("X-Request-ID") != "" {
		t.Error("X-Request-ID belongs to the original request and must not be replayed")
	}
}

// countingReader yields n zero bytes and records how many were consumed.
type countingReader struct {
	left, read int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	n = min(n, c.left)
	clear(p[:n])
	c.left -= n
	c.read += n
	return int(n), nil
}

func TestIdempotency_OversizedBody(t *testing.T) {
	cache := newMockCache()
	counter := 0
	handler := middleware.Idempotency(cache, time.Hour)(makeTestHandler(&counter, http.StatusOK))

	body := &countingReader{left: 64 << 20}
	req := httptest.NewRequest(http.MethodPut, "/policy", body)
	req.Header.Set("Idempotency-Key", "big")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if counter != 0 || cache.len() != 0 {
		t.Fatalf("oversized request reached the handler (%d calls) or was stored (%d)", counter, cache.len())
	}
	if body.read > 2<<20 {
		t.Fatalf("read %d bytes of an oversized body", body.read)
	}
}
