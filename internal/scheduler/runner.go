package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"membership/internal/types"
)

// DefaultLockTTL covers a Lambda run with margin.
const DefaultLockTTL = 15 * time.Minute

// Job status values written to job_history.
const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Tasks is the set of maintenance operations the runner dispatches to.
// *subscription.MaintenanceService satisfies it.
type Tasks interface {
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int, error)
	ApplyScheduledDowngrades(ctx context.Context, now time.Time) (int, error)
	ExpireLapsed(ctx context.Context, now time.Time) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Runner is the maintenance Lambda handler.
type Runner struct {
	Tasks      Tasks
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	Clock      types.Clock
	Logger     *slog.Logger
	LockTTL    time.Duration
}

// Handle runs one MaintenancePayload:
//  1. Resolve the reference time.
//  2. Acquire the lock "task:YYYY-MM-DDTHH"; skip if another worker holds it.
//  3. Record job start, dispatch, record completion.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	now := time.Now().UTC()
	if r.Clock != nil {
		now = r.Clock.Now()
	}
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	task := string(payload.Task)
	logger = logger.With("task", task, "worker_id", r.WorkerID)
	logger.InfoContext(ctx, "maintenance task invoked", "reference_time", now.Format(time.RFC3339))

	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, ttl)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	// History is best effort; jobID 0 skips Finish.
	jobID, err := r.JobHistory.Start(ctx, task)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job history", "error", err)
		jobID = 0
	}

	items, execErr := r.dispatch(ctx, payload.Task, now)

	status := statusSuccess
	if execErr != nil {
		status = statusFailed
	}
	if jobID != 0 {
		if err := r.JobHistory.Finish(ctx, jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "maintenance task failed", "error", execErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	logger.InfoContext(ctx, result, "items", items)
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskResetMonthlyUsage:
		return r.Tasks.ResetMonthlyUsage(ctx, now)
	case TaskApplyScheduledDowngrades:
		return r.Tasks.ApplyScheduledDowngrades(ctx, now)
	case TaskExpireLapsed:
		return r.Tasks.ExpireLapsed(ctx, now)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}
