package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware wraps an http.Handler with a bearer-token check.
// Requests to /health and /metrics bypass authentication.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and metrics endpoints
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if auth := r.Header.Get("Authorization"); auth != "" {
			if checkAuthorization(auth, token) {
				next.ServeHTTP(w, r)
				return
			}
		}

		// X-API-Key carries the same token for clients that cannot
		// set an Authorization header.
		if key := r.Header.Get("X-API-Key"); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="ustack API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

// checkAuthorization validates an Authorization header value.
func checkAuthorization(auth, token string) bool {
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
