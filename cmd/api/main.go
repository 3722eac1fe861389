// Package main is the entry point for the membership API server.
//
// It loads configuration, wires storage (PostgreSQL, or in-memory stores in
// local mode), the billing gateways, lifecycle publishing and metrics, builds
// the HTTP server with the core chassis and serves /subscriptions/* until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"membership/internal/api/handlers"
	"membership/internal/auth"
	"membership/internal/billing"
	"membership/internal/config"
	"membership/internal/core"
	"membership/internal/db"
	"membership/internal/external"
	"membership/internal/queue"
	"membership/internal/subscription"
	"membership/internal/telemetry"
	"membership/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("membership API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := buildServer(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// storage bundles the persistence dependencies of the service.
type storage struct {
	subscriptions subscription.MaintenanceStore
	events        subscription.EventLog
	audit         subscription.AuditLogger
	probe         core.HealthProbe
	close         func()
}

// openStorage connects to PostgreSQL, or falls back to in-memory stores when
// no DATABASE_URL is configured (local mode only; enforced by the loader).
func openStorage(ctx context.Context, cfg *config.Config, clock types.Clock, logger *slog.Logger) (*storage, error) {
	if !cfg.Database.URL.IsSet() {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		return &storage{
			subscriptions: db.NewMemorySubscriptionStore(clock),
			events:        db.NewMemoryWebhookEventStore(),
			audit:         &db.MemoryAuditLog{},
			close:         func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &storage{
		subscriptions: db.NewSubscriptionRepository(pool, clock),
		events:        db.NewWebhookEventRepository(pool, clock),
		audit:         db.NewAuditRepository(pool),
		probe:         core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
		close:         pool.Close,
	}, nil
}

// loadAWS returns the shared SDK configuration, honouring AWS_ENDPOINT_URL
// for LocalStack.
func loadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

type metricsSink interface {
	core.MetricsCollector
	subscription.WebhookMetrics
}

// buildServer wires every dependency into a core.Server. Routes are not
// mounted yet so callers can adjust the server first.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	clock := types.RealClock{}

	store, err := openStorage(ctx, cfg, clock, logger)
	if err != nil {
		return nil, err
	}

	var (
		publisher subscription.Publisher = queue.NewLogPublisher(logger)
		metrics   metricsSink            = telemetry.NoopMetrics{}
	)
	if cfg.AWS.LifecycleQueueURL != "" || cfg.Observability.EnableMetrics {
		awsCfg, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			store.close()
			return nil, err
		}
		if cfg.AWS.LifecycleQueueURL != "" {
			publisher = queue.NewLifecyclePublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
		}
		if cfg.Observability.EnableMetrics {
			metrics = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
		}
	}

	catalog := billing.NewStaticCatalog()
	registry := external.NewGatewayRegistry(cfg, catalog, logger)
	logger.Info("billing gateways configured", "providers", registry.Providers())

	svc := subscription.NewService(store.subscriptions, registry, publisher, store.audit, clock, logger,
		subscription.WithCatalog(catalog),
		subscription.WithResumeRetry(cfg.Gateway.ResumeMaxRetries, 0))
	reconciler := subscription.NewReconciler(store.subscriptions, store.events, publisher, store.audit, clock, logger,
		subscription.WithMaxAge(cfg.Gateway.WebhookMaxAge),
		subscription.WithWebhookMetrics(metrics))

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		store.close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.Authenticator = auth.NewTokenAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.ClockSkew, clock)
	srv.RateLimiter = core.NewRateLimiter(cfg.Security.RateLimitPerMinute, cfg.Security.RateLimitBurst)
	srv.Idempotency = core.NewMemoryIdempotencyStore(core.DefaultIdempotencyTTL)
	if store.probe != nil {
		srv.HealthProbes = append(srv.HealthProbes, store.probe)
	}
	srv.Closers = append(srv.Closers, store.close)

	subs := handlers.NewSubscriptionHandler(svc, srv.Validator, logger)
	hooks := handlers.NewWebhookHandler(registry, reconciler, logger)
	srv.RouteRegistrars = append(srv.RouteRegistrars, subs.RegisterRoutes, hooks.RegisterRoutes)

	return srv, nil
}

// runHTTPServer serves until a shutdown signal, then drains in-flight
// requests within the configured shutdown timeout.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
