package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
)

const (
	maxIdempotencyKeyLen = 128
	maxReplayBody        = 1 << 20
	maxKeyedRequestBody  = 1 << 20
)

// replayedHeaders are the response headers kept with a stored response.
// Per-request headers such as X-Request-ID are deliberately absent.
var replayedHeaders = []string{"Content-Type", "X-Policy-Version", "Location"}

type storedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Header      map[string]string `json:"header,omitempty"`
	Body        []byte            `json:"body"`
}

// Idempotency replays the stored response of a mutating request that repeats
// an Idempotency-Key within ttl. Keys are scoped to caller (X-User-ID),
// method and path. Reusing a key with a different body is refused with 422.
// 5xx responses are not stored so the client may retry them.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeJSONError(w, http.StatusBadRequest, "Idempotency-Key too long")
				return
			}

			fp, err := fingerprint(w, r)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			slot := "idem:" + r.Header.Get("X-User-ID") + ":" + r.Method + ":" + r.URL.Path + ":" + key

			if prev, ok := lookup(r, c, slot); ok {
				if prev.Fingerprint != fp {
					writeJSONError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
					return
				}
				for k, v := range prev.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(prev.Status)
				_, _ = w.Write(prev.Body)
				return
			}

			tee := &teeWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tee, r)
			if tee.status >= http.StatusInternalServerError || tee.overflow {
				return
			}

			resp := storedResponse{Fingerprint: fp, Status: tee.status, Body: tee.body.Bytes()}
			for _, h := range replayedHeaders {
				if v := w.Header().Get(h); v != "" {
					if resp.Header == nil {
						resp.Header = make(map[string]string)
					}
					resp.Header[h] = v
				}
			}
			data, err := json.Marshal(resp)
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), slot, data, ttl); err != nil {
				slog.Warn("idempotency store failed", "key", key, "error", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// fingerprint hashes the request body and restores it for the next handler.
// Bodies over maxKeyedRequestBody fail with *http.MaxBytesError.
func fingerprint(w http.ResponseWriter, r *http.Request) (string, error) {
	sum := sha256.New()
	if r.Body != nil && r.Body != http.NoBody {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxKeyedRequestBody))
		_ = r.Body.Close()
		if err != nil {
			return "", err
		}
		sum.Write(raw)
		r.Body = io.NopCloser(bytes.NewReader(raw))
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func lookup(r *http.Request, c cache.Cache, slot string) (storedResponse, bool) {
	var prev storedResponse
	data, found, err := c.Get(r.Context(), slot)
	if err != nil || !found {
		return prev, false
	}
	if err := json.Unmarshal(data, &prev); err != nil {
		slog.Warn("idempotency entry unreadable, ignoring", "slot", slot, "error", err)
		return prev, false
	}
	return prev, true
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// teeWriter copies the response body, up to maxReplayBody, while passing it
// through.
type teeWriter struct {
	http.ResponseWriter
	status   int
	body     bytes.Buffer
	overflow bool
}

func (t *teeWriter) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *teeWriter) Write(b []byte) (int, error) {
	if !t.overflow {
		if t.body.Len()+len(b) > maxReplayBody {
			t.overflow = true
			t.body.Reset()
		} else {
			t.body.Write(b)
		}
	}
	return t.ResponseWriter.Write(b)
}

func (t *teeWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
