package middleware

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/agentic-work/openagenticwork-sub000/internal/logger"
)

var generatedID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"absent", "", false},
		{"propagated", "orch-req-42", true},
		{"max length", strings.Repeat("a", maxRequestIDLen), true},
		{"oversized", strings.Repeat("x", maxRequestIDLen+1), false},
		{"space", "abc def", false},
		{"non ascii", "req-é", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inCtx string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inCtx = logger.RequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrations", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			header := rec.Header().Get("X-Request-ID")
			if header != inCtx {
				t.Fatalf("response header %q differs from context id %q", header, inCtx)
			}
			if tt.keep {
				if inCtx != tt.incoming {
					t.Fatalf("expected %q to be kept, got %q", tt.incoming, inCtx)
				}
				return
			}
			if !generatedID.MatchString(inCtx) {
				t.Fatalf("expected a generated 32-char hex id, got %q", inCtx)
			}
		})
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
