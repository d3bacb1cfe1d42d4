package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/irisgate/irisgate/internal/backend"
	"github.com/irisgate/irisgate/internal/config"
	"github.com/irisgate/irisgate/internal/health"
	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/proxy"
	"github.com/irisgate/irisgate/internal/translate"
)

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()

	connector := &iris.StubConnector{}
	p := pool.New(connector, pool.Config{Size: 1})
	t.Cleanup(p.Close)

	tr, err := translate.New(translate.Config{})
	if err != nil {
		t.Fatalf("building translator: %v", err)
	}
	gw := proxy.NewServer(proxy.Options{ServerVersion: "14.2"}, tr, &backend.Executor{}, p, proxy.TrustAuth{}, nil)
	t.Cleanup(func() { gw.Stop(time.Second) })

	hc := health.NewChecker(p, nil, time.Hour, time.Second, 3)
	cfg := &config.Config{
		Listen: config.ListenConfig{Addr: "0.0.0.0:5432", AdminPort: 8080},
		IRIS:   config.IRISConfig{Driver: "odbc", DSN: "DSN=iris;PWD=secret"},
	}

	s := NewServer(gw, p, hc, nil, cfg)

	mr := mux.NewRouter()
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	mr.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")
	mr.HandleFunc("/api/v1/sessions", s.sessionsHandler).Methods("GET")
	mr.HandleFunc("/api/v1/sessions/{pid}/cancel", s.cancelHandler).Methods("POST")
	mr.HandleFunc("/api/v1/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/api/v1/config", s.configHandler).Methods("GET")

	return s, mr
}

func TestHealthEndpoint(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// Pool not degraded and no failed probes yet.
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Pool     pool.Stats `json:"pool"`
		Sessions int        `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Sessions != 0 {
		t.Errorf("expected 0 sessions, got %d", body.Sessions)
	}
	if body.Pool.Size != 1 {
		t.Errorf("expected pool size 1, got %d", body.Pool.Size)
	}
}

func TestSessionsEndpointEmpty(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var sessions []proxy.SessionInfo
	if err := json.NewDecoder(rr.Body).Decode(&sessions); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestCancelUnknownSession(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions/9999/cancel", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown pid, got %d", rr.Code)
	}
}

func TestCancelBadPID(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions/notanumber/cancel", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad pid, got %d", rr.Code)
	}
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var cfg config.Config
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if cfg.IRIS.DSN != "***REDACTED***" {
		t.Errorf("expected redacted DSN, got %s", cfg.IRIS.DSN)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, mr := newTestServer(t)
	s.cfg.Listen.AdminKey = "topsecret"

	handler := s.authMiddleware(mr)

	// Probes stay open.
	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", rr.Code)
	}

	// Management endpoints need the bearer key.
	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", rr.Code)
	}
}
