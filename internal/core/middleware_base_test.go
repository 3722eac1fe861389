package core

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"membership/internal/types"
)

func TestRecoverer_WritesInternalError(t *testing.T) {
	srv := newTestServer(t)
	h := RequestIDMiddleware(srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-panic")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected %s, got %s", types.ErrCodeInternalUnexpected, got.Code)
	}
	if got.RequestID != "req-panic" {
		t.Errorf("expected propagated request id, got %q", got.RequestID)
	}
	if strings.Contains(rec.Body.String(), "kaboom") {
		t.Error("panic value must not leak to the client")
	}
}

func TestRequestLogger_RedactsSensitiveHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/webhook", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Razorpay-Signature", "deadbeef")
	req.Header.Set("User-Agent", "razorpay-webhook")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, leaked := range []string{"secret-token", "deadbeef"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "razorpay-webhook") {
		t.Error("non-sensitive headers should be logged")
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("4xx should log at WARN: %s", out)
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	metrics := &mockMetricsCollector{}
	srv.Metrics = metrics

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Get("/subscriptions/value-proposition/{tier}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/value-proposition/vip", nil))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/random/scanner/path", nil))

	if len(metrics.calls) != 2 {
		t.Fatalf("expected 2 metric calls, got %d", len(metrics.calls))
	}
	if got := metrics.calls[0]; got.endpoint != "/subscriptions/value-proposition/{tier}" || got.status != "200" || got.method != "GET" {
		t.Errorf("unexpected first call %+v", got)
	}
	if got := metrics.calls[1]; got.endpoint != "unmatched" || got.status != "404" {
		t.Errorf("unexpected second call %+v", got)
	}
}

func TestMetricsMiddleware_NilCollectorPassesThrough(t *testing.T) {
	srv := newTestServer(t)
	called := false
	h := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler should be called")
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/subscriptions/subscribe", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials allowed for explicit origins")
	}

	req = httptest.NewRequest(http.MethodOptions, "/subscriptions/subscribe", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q for disallowed origin", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-Id") != "abc-123" {
		t.Errorf("expected propagated id, got ctx=%q header=%q", seen, rec.Header().Get("X-Request-Id"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc-123" {
		t.Errorf("expected generated id, got %q", seen)
	}
}
