package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wesm/shardvault/internal/config"
	"github.com/wesm/shardvault/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{Server: config.ServerConfig{APIPort: 8080, RateLimit: 1000}}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(testConfig(), nil, nil, testLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("health status = %q, want 'ok'", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = "secret-key"
	srv := NewServer(cfg, nil, nil, testLogger())

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "secret-key", http.StatusServiceUnavailable}, // 503: no store
		{"bearer prefix", "Authorization", "Bearer secret-key", http.StatusServiceUnavailable},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNilQueryReturns503(t *testing.T) {
	srv := NewServer(testConfig(), nil, nil, testLogger())
	for _, path := range []string{
		"/api/v1/sessions",
		"/api/v1/conversations/abc/messages",
		"/api/v1/conversations/abc/export",
		"/api/v1/stats/types",
	} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Unavailable("fetch")

	srv := NewServer(testConfig(), nil, reg, testLogger())
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `shardvault_shard_unavailable_total{stage="fetch"} 1`) {
		t.Errorf("metrics output missing unavailable counter:\n%s", w.Body.String())
	}

	// Without a gatherer the route is not mounted.
	bare := NewServer(testConfig(), nil, nil, testLogger())
	w = httptest.NewRecorder()
	bare.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status without gatherer = %d, want 404", w.Code)
	}
}

func TestCORSFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORSOrigins = []string{"http://localhost:3000", "http://example.com"}
	srv := NewServer(cfg, nil, nil, testLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("expected CORS header for allowed origin, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}

	req2 := httptest.NewRequest("GET", "/health", nil)
	req2.Header.Set("Origin", "http://evil.com")
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req2)
	if w2.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no CORS header for disallowed origin, got %q", w2.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv := NewServer(testConfig(), nil, nil, testLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no CORS header when no origins configured, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BindAddr = "0.0.0.0"
	srv := NewServer(cfg, nil, nil, testLogger())
	if err := srv.Start(); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("Start() error = %v, want refusal mentioning api_key", err)
	}
}
