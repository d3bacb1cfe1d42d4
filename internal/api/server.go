// Package api serves the gateway's admin surface: health and readiness
// probes, Prometheus metrics, pool statistics, session listing and
// out-of-band cancellation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irisgate/irisgate/internal/config"
	"github.com/irisgate/irisgate/internal/health"
	"github.com/irisgate/irisgate/internal/metrics"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/proxy"
)

// Server is the REST API and metrics server.
type Server struct {
	gateway     *proxy.Server
	pool        *pool.Pool
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cfg         *config.Config
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(gw *proxy.Server, p *pool.Pool, hc *health.Checker, m *metrics.Collector, cfg *config.Config) *Server {
	return &Server{
		gateway:     gw,
		pool:        p,
		healthCheck: hc,
		metrics:     m,
		cfg:         cfg,
		startTime:   time.Now(),
	}
}

// authMiddleware returns a middleware that checks for a valid admin key.
// Unauthenticated routes (health, ready, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health/readiness probes and metrics
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		adminKey := s.cfg.Listen.AdminKey
		if adminKey == "" {
			// No admin key configured, allow all requests
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != adminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Gateway introspection
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/sessions", s.sessionsHandler).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{pid}/cancel", s.cancelHandler).Methods("POST")
	r.HandleFunc("/api/v1/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/api/v1/config", s.configHandler).Methods("GET")

	// Wrap with security headers, then auth middleware
	handler := s.securityHeaders(s.authMiddleware(r))

	bind := s.cfg.Listen.AdminBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.cfg.Listen.AdminKey == "" {
		slog.Warn("admin key not configured, management endpoints are unauthenticated")
	}
	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.healthCheck.Current()
	healthy := s.healthCheck.Healthy()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(healthy),
		"backend": snap,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready means the pool can serve leases and the backend answers
	// pings.
	if s.pool.Degraded() || !s.healthCheck.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Gateway Handlers ---

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":     s.pool.Stats(),
		"sessions": s.gateway.SessionCount(),
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Sessions())
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	pid64, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	pid := uint32(pid64)

	if !s.gateway.CancelSession(pid) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	slog.Info("session cancelled via admin API", "pid", pid)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cancelled", "pid": pid})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"sessions":       s.gateway.SessionCount(),
		"listen": map[string]interface{}{
			"addr":       s.cfg.Listen.Addr,
			"admin_port": s.cfg.Listen.AdminPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
