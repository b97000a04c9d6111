package ipc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with pipeline-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. registry may
// be nil when metrics are disabled; the /metrics route is omitted then.
func NewServer(h *Handler, listenAddr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Run summary.
	mux.HandleFunc("GET /api/v1/run", h.GetRun)

	// Unit endpoints.
	mux.HandleFunc("GET /api/v1/units", h.ListUnits)
	mux.HandleFunc("GET /api/v1/units/{unitID}", h.GetUnit)
	mux.HandleFunc("GET /api/v1/units/{unitID}/jobs", h.ListUnitJobs)
	mux.HandleFunc("POST /api/v1/units/{unitID}/cancel", h.CancelUnit)

	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into something a human can open.
func FormatListenURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return fmt.Sprintf("http://localhost%s", listenAddr)
	}
	return fmt.Sprintf("http://%s", listenAddr)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
