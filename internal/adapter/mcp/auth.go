package mcp

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// credential returns the caller's key from X-API-Key, else from a Bearer
// Authorization header.
func credential(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// AuthMiddleware guards next with the key returned by keyFn, consulted on
// every request so rotation needs no restart. A nil keyFn or an empty key
// lets every request through.
func AuthMiddleware(keyFn func() string, next http.Handler) http.Handler {
	if keyFn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := keyFn()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := credential(r)
		switch {
		case got == "":
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
			http.Error(w, "missing credentials", http.StatusUnauthorized)
		case subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1:
			http.Error(w, "invalid credentials", http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
