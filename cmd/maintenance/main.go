// Package main is the entrypoint for the maintenance Lambda.
//
// EventBridge rules invoke it with a scheduler.MaintenancePayload naming one
// task: the monthly usage reset, applying due downgrades, or expiring lapsed
// subscriptions. Dependencies are built once per cold start and reused across
// invocations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"membership/internal/billing"
	"membership/internal/config"
	"membership/internal/db"
	"membership/internal/external"
	"membership/internal/queue"
	"membership/internal/scheduler"
	"membership/internal/subscription"
	"membership/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("maintenance Lambda initializing (cold start)")

	runner, err := newRunner(context.Background(), logger)
	if err != nil {
		logger.Error("failed to initialize maintenance runner", "error", err)
		os.Exit(1)
	}

	logger.Info("maintenance Lambda initialized", "worker_id", runner.WorkerID)
	lambda.Start(runner.Handle)
}

// newRunner wires the Runner against PostgreSQL and the configured gateways.
// Job locks and history need the database, so DATABASE_URL is mandatory.
func newRunner(ctx context.Context, logger *slog.Logger) (*scheduler.Runner, error) {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Database.URL.IsSet() {
		return nil, fmt.Errorf("DATABASE_URL is required for maintenance jobs")
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(initCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	clock := types.RealClock{}
	var publisher subscription.Publisher = queue.NewLogPublisher(logger)
	if cfg.AWS.LifecycleQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(initCtx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		if cfg.AWS.EndpointURL != "" {
			awsCfg.BaseEndpoint = &cfg.AWS.EndpointURL
		}
		publisher = queue.NewLifecyclePublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	}

	catalog := billing.NewStaticCatalog()
	registry := external.NewGatewayRegistry(cfg, catalog, logger)
	tasks := subscription.NewMaintenanceService(
		db.NewSubscriptionRepository(pool, clock),
		registry,
		publisher,
		db.NewAuditRepository(pool),
		catalog,
		clock,
		logger,
	)

	return &scheduler.Runner{
		Tasks:      tasks,
		JobLock:    db.NewJobLockRepository(pool, clock),
		JobHistory: db.NewJobHistoryRepository(pool, clock),
		WorkerID:   uuid.NewString(),
		Clock:      clock,
		Logger:     logger,
		LockTTL:    scheduler.DefaultLockTTL,
	}, nil
}
