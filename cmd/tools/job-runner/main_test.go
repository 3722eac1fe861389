package main

import (
	"testing"
	"time"

	"membership/internal/scheduler"
)

func TestBuildPayload(t *testing.T) {
	ref := "2026-03-01T00:05:00Z"
	tests := []struct {
		name    string
		task    string
		ref     string
		wantErr bool
	}{
		{"valid", string(scheduler.TaskExpireLapsed), "", false},
		{"valid with reference time", string(scheduler.TaskApplyScheduledDowngrades), ref, false},
		{"missing task", "", "", true},
		{"unknown task", "purge_everything", "", true},
		{"bad reference time", string(scheduler.TaskResetMonthlyUsage), "yesterday", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := buildPayload(tt.task, tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got payload %+v", payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payload.Task != scheduler.TaskType(tt.task) {
				t.Errorf("expected task %s, got %s", tt.task, payload.Task)
			}
			if tt.ref != "" {
				want, _ := time.Parse(time.RFC3339, tt.ref)
				if payload.ReferenceTime == nil || !payload.ReferenceTime.Equal(want) {
					t.Errorf("expected reference time %v, got %v", want, payload.ReferenceTime)
				}
			}
		})
	}
}

func TestValidTasksCoverScheduler(t *testing.T) {
	for _, task := range []scheduler.TaskType{
		scheduler.TaskResetMonthlyUsage,
		scheduler.TaskApplyScheduledDowngrades,
		scheduler.TaskExpireLapsed,
	} {
		if _, ok := validTasks[task]; !ok {
			t.Errorf("task %s missing from validTasks", task)
		}
	}
}
