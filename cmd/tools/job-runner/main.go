// Package main implements the job-runner CLI for invoking maintenance tasks
// directly, bypassing the Lambda shim.
//
// Intended for local development, manual backfills and operational
// debugging. It builds a scheduler.MaintenancePayload and runs it through the
// same scheduler.Runner the maintenance Lambda uses, so job locks and
// job history behave identically.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=apply_scheduled_downgrades
//	go run ./cmd/tools/job-runner --task=expire_lapsed --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=reset_monthly_usage
//	go run ./cmd/tools/job-runner --list
//
// DATABASE_URL is read from the environment (or .env). Lifecycle events are
// logged to stdout rather than published.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"membership/internal/billing"
	"membership/internal/config"
	"membership/internal/db"
	"membership/internal/external"
	"membership/internal/queue"
	"membership/internal/scheduler"
	"membership/internal/subscription"
	"membership/internal/types"
)

// validTasks is the exhaustive set of TaskType values the runner dispatches.
var validTasks = map[scheduler.TaskType]string{
	scheduler.TaskResetMonthlyUsage:        "Zero ordersThisMonth on every active subscription",
	scheduler.TaskApplyScheduledDowngrades: "Apply downgrades whose effective date has passed",
	scheduler.TaskExpireLapsed:             "Expire cancelled or unpaid subscriptions past their access window",
}

func main() {
	taskFlag := flag.String("task", "", "Task type to execute (e.g., expire_lapsed)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	listFlag := flag.Bool("list", false, "List all available task types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON payload without executing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Invoke maintenance tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all available task types.\n")
	}
	flag.Parse()

	if *listFlag {
		printAvailableTasks()
		return
	}

	payload, err := buildPayload(*taskFlag, *refTimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks()
		os.Exit(1)
	}

	if *dryRunFlag {
		printPayload(payload)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := executeTask(ctx, payload, logger)
	if err != nil {
		logger.Error("task execution failed", "task", string(payload.Task), "error", err)
		os.Exit(1)
	}
	logger.Info("task execution succeeded", "task", string(payload.Task), "result", result)
}

// buildPayload validates the flags and constructs the payload.
func buildPayload(task, refTime string) (scheduler.MaintenancePayload, error) {
	if task == "" {
		return scheduler.MaintenancePayload{}, fmt.Errorf("--task is required")
	}
	taskType := scheduler.TaskType(task)
	if _, ok := validTasks[taskType]; !ok {
		return scheduler.MaintenancePayload{}, fmt.Errorf("unknown task type %q", task)
	}

	payload := scheduler.MaintenancePayload{Task: taskType}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return scheduler.MaintenancePayload{}, fmt.Errorf("invalid --reference-time %q (expected RFC3339): %w", refTime, err)
		}
		payload.ReferenceTime = &t
	}
	return payload, nil
}

// executeTask connects to the database and runs the payload through a
// scheduler.Runner.
func executeTask(ctx context.Context, payload scheduler.MaintenancePayload, logger *slog.Logger) (string, error) {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return "", fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Database.URL.IsSet() {
		return "", fmt.Errorf("DATABASE_URL environment variable is required")
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	logger.Info("database connection established")

	clock := types.RealClock{}
	catalog := billing.NewStaticCatalog()
	runner := &scheduler.Runner{
		Tasks: subscription.NewMaintenanceService(
			db.NewSubscriptionRepository(pool, clock),
			external.NewGatewayRegistry(cfg, catalog, logger),
			queue.NewLogPublisher(logger),
			db.NewAuditRepository(pool),
			catalog,
			clock,
			logger,
		),
		JobLock:    db.NewJobLockRepository(pool, clock),
		JobHistory: db.NewJobHistoryRepository(pool, clock),
		WorkerID:   "job-runner-" + uuid.NewString(),
		Clock:      clock,
		Logger:     logger,
		LockTTL:    scheduler.DefaultLockTTL,
	}
	return runner.Handle(ctx, payload)
}

// printAvailableTasks prints the task types sorted by name to stderr.
func printAvailableTasks() {
	fmt.Fprintf(os.Stderr, "Available task types:\n\n")

	tasks := make([]scheduler.TaskType, 0, len(validTasks))
	maxLen := 0
	for t := range validTasks {
		tasks = append(tasks, t)
		maxLen = max(maxLen, len(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

	for _, t := range tasks {
		fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxLen, string(t), validTasks[t])
	}
	fmt.Fprintln(os.Stderr)
}

// printPayload writes the payload as indented JSON to stdout.
func printPayload(payload scheduler.MaintenancePayload) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to marshal payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))

	fmt.Fprintf(os.Stderr, "\nTask: %s\nDescription: %s\n", payload.Task, validTasks[payload.Task])
	if payload.ReferenceTime != nil {
		fmt.Fprintf(os.Stderr, "Reference time: %s\n", payload.ReferenceTime.Format(time.RFC3339))
	} else {
		fmt.Fprintf(os.Stderr, "Reference time: (current UTC time will be used)\n")
	}
}
