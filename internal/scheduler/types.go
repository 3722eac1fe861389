// Package scheduler runs the periodic subscription maintenance tasks.
//
// EventBridge rules invoke the maintenance Lambda with a MaintenancePayload;
// the Runner takes a per-hour job lock, records job history and dispatches
// the task to its handler.
package scheduler

import "time"

// TaskType identifies which maintenance task an invocation runs.
type TaskType string

const (
	TaskResetMonthlyUsage        TaskType = "reset_monthly_usage"
	TaskApplyScheduledDowngrades TaskType = "apply_scheduled_downgrades"
	TaskExpireLapsed             TaskType = "expire_lapsed"
)

// MaintenancePayload is the JSON body sent by EventBridge:
//
//	{
//	  "task": "apply_scheduled_downgrades",
//	  "reference_time": "2026-03-01T00:05:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
