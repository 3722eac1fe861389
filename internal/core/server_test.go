package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"membership/internal/config"
	"membership/internal/types"
)

// mockMetricsCollector implements MetricsCollector for testing.
type mockMetricsCollector struct {
	mu    sync.Mutex
	calls []metricsCall
}

type metricsCall struct {
	method, endpoint, status string
	duration                 time.Duration
}

func (m *mockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricsCall{method, endpoint, status, duration})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	return srv
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestNewServer_Success(t *testing.T) {
	cfg := &config.Config{Environment: "local"}
	srv, err := NewServer(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	if srv.Config != cfg {
		t.Error("Config field not set correctly")
	}
	if srv.Validator == nil {
		t.Error("Validator should be initialized")
	}
	if srv.Router() == nil || srv.Handler() == nil {
		t.Error("router should be initialized")
	}
}

func TestNewServer_NilDependencies(t *testing.T) {
	if _, err := NewServer(nil, slog.Default()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestShutdown_RunsClosersInReverse(t *testing.T) {
	srv := newTestServer(t)
	var order []string
	srv.Closers = []func(){
		func() { order = append(order, "db") },
		func() { order = append(order, "cache") },
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "cache" || order[1] != "db" {
		t.Errorf("expected [cache db], got %v", order)
	}
}

func TestMountRoutes_RegistrarsAndNotFound(t *testing.T) {
	srv := newTestServer(t)
	srv.RouteRegistrars = []RouteRegistrar{
		func(r chi.Router, s *Server) {
			r.Get("/subscriptions/tiers", func(w http.ResponseWriter, r *http.Request) {
				OK(w, r, http.StatusOK, []string{"free"}, "")
			})
		},
	}
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/tiers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header from global middleware")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers from global middleware")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != string(types.ErrCodeNotFoundRoute) {
		t.Errorf("expected %s, got %s", types.ErrCodeNotFoundRoute, got)
	}
}

func TestUserMiddleware_ProtectsGroup(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &MockAuthenticator{Actor: &types.Actor{ID: "user-1", Type: types.ActorTypeUser}}
	srv.RouteRegistrars = []RouteRegistrar{
		func(r chi.Router, s *Server) {
			r.Group(func(r chi.Router) {
				r.Use(s.UserMiddleware()...)
				r.Get("/subscriptions/current", func(w http.ResponseWriter, r *http.Request) {
					actor, _ := types.GetActor(r.Context())
					OK(w, r, http.StatusOK, actor.ID, "")
				})
			})
		},
	}
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/current", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/current", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}
