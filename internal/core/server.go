// Package core provides the API chassis for the membership service.
// It builds the chi router, enforces cross-cutting concerns (security,
// logging, observability, error handling) and leaves route registration to
// handler packages through RouteRegistrars.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"membership/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one request. endpoint is
	// the matched route pattern.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes. It receives the server so it can
// attach per-group middleware such as AuthMiddleware.
type RouteRegistrar func(r chi.Router, s *Server)

// Server encapsulates all dependencies of the HTTP API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	RateLimiter   *RateLimiter
	Idempotency   IdempotencyStore
	HealthProbes  []HealthProbe

	RouteRegistrars []RouteRegistrar

	// Closers are released in order on Shutdown (e.g. the pgx pool).
	Closers []func()

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty router.
// The caller sets optional collaborators and RouteRegistrars, then calls
// MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux. Used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	for i := len(s.Closers) - 1; i >= 0; i-- {
		s.Closers[i]()
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
