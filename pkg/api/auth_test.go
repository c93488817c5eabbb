package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckAuthorization(t *testing.T) {
	tests := []struct {
		name string
		auth string
		want bool
	}{
		{"valid bearer", "Bearer secret123", true},
		{"wrong token", "Bearer wrong", false},
		{"empty token", "Bearer ", false},
		{"basic auth rejected", "Basic dXNlcjpwYXNz", false},
		{"no scheme", "secret123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkAuthorization(tt.auth, "secret123"); got != tt.want {
				t.Errorf("checkAuthorization(%q) = %v, want %v", tt.auth, got, tt.want)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := authMiddleware("secret123", inner)

	t.Run("no credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if hdr := w.Header().Get("WWW-Authenticate"); hdr == "" {
			t.Error("missing WWW-Authenticate header")
		}
	})

	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer secret123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("api key header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		req.Header.Set("X-API-Key", "secret123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("wrong api key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		req.Header.Set("X-API-Key", "nope")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("health bypasses auth", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("metrics bypasses auth", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/metrics", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}
