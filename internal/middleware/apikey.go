package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const headerAPIKey = "X-API-Key"

// APIKey returns middleware that requires the given key in the X-API-Key
// header or as a bearer token. An empty key disables the check.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return APIKeyFunc(func() string { return key })
}

// APIKeyFunc is APIKey with a key that is looked up on every request, so a
// rotated secret takes effect without a restart. A nil func or an empty key
// disables the check.
func APIKeyFunc(keyFn func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keyFn == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn()
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(headerAPIKey)
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if got == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="orchestrator"`)
				http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
