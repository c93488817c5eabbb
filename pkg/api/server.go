package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/ustack/pkg/arp"
	"github.com/psaab/ustack/pkg/dhcp6c"
	"github.com/psaab/ustack/pkg/logging"
	"github.com/psaab/ustack/pkg/ndp"
	"github.com/psaab/ustack/pkg/stack"
)

// Service groups the protocol engines attached to one interface. Any
// engine may be nil when the interface does not run that protocol.
type Service struct {
	Iface *stack.Interface
	ARP   *arp.Engine
	NDP   *ndp.Engine
	DHCP6 *dhcp6c.Client
}

// Config configures the API server.
type Config struct {
	Addr     string
	Token    string // empty = no authentication
	Stack    *stack.Stack
	Services []*Service
	EventBuf *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	st         *stack.Stack
	services   []*Service
	eventBuf   *logging.EventBuffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		st:        cfg.Stack,
		services:  cfg.Services,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("/health", requireMethod(http.MethodGet, s.healthHandler))

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("/metrics", http.HandlerFunc(requireMethod(http.MethodGet, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)))

	// REST API v1
	mux.HandleFunc("/api/v1/status", requireMethod(http.MethodGet, s.statusHandler))
	mux.HandleFunc("/api/v1/interfaces", requireMethod(http.MethodGet, s.interfacesHandler))
	mux.HandleFunc("/api/v1/neighbors", requireMethod(http.MethodGet, s.neighborsHandler))
	mux.HandleFunc("/api/v1/arp/stats", requireMethod(http.MethodGet, s.arpStatsHandler))
	mux.HandleFunc("/api/v1/dhcpv6", requireMethod(http.MethodGet, s.dhcp6Handler))
	mux.HandleFunc("/api/v1/events", requireMethod(http.MethodGet, s.eventsHandler))

	// Mutations
	mux.HandleFunc("/api/v1/arp/flush", requireMethod(http.MethodPost, s.arpFlushHandler))
	mux.HandleFunc("/api/v1/ndp/flush", requireMethod(http.MethodPost, s.ndpFlushHandler))
	mux.HandleFunc("/api/v1/dhcpv6/release", requireMethod(http.MethodPost, s.dhcp6ReleaseHandler))

	// SSE streaming
	mux.HandleFunc("/api/v1/events/stream", requireMethod(http.MethodGet, s.eventStreamHandler))
	mux.HandleFunc("/api/v1/logs/stream", requireMethod(http.MethodGet, s.logStreamHandler))

	var handler http.Handler = mux
	if cfg.Token != "" {
		handler = authMiddleware(cfg.Token, mux)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requireMethod restricts a handler to one HTTP method, mirroring the
// method-prefixed ServeMux patterns of Go 1.22+ on older toolchains: a
// GET route also accepts HEAD, and other methods get 405 with an Allow
// header.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// service returns the service group for a named interface, or nil.
func (s *Server) service(name string) *Service {
	for _, svc := range s.services {
		if svc.Iface != nil && svc.Iface.Name == name {
			return svc
		}
	}
	return nil
}
