package finalizer

import (
	"context"
	"testing"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
)

func TestTaskNamePrefersReason(t *testing.T) {
	task := &models.Task{TaskID: 7, Reason: "monthly invoice"}
	if got := taskName(task); got != "monthly invoice" {
		t.Errorf("taskName() = %q, want %q", got, "monthly invoice")
	}
}

func TestTaskNameFallsBackToTaskID(t *testing.T) {
	task := &models.Task{TaskID: 7}
	if got, want := taskName(task), "task-7"; got != want {
		t.Errorf("taskName() = %q, want %q", got, want)
	}
}

func TestCorrelationIDReadsFromContext(t *testing.T) {
	if got := correlationID(context.Background()); got != "" {
		t.Errorf("expected empty correlation id on a bare context, got %q", got)
	}

	ctx := eventbus.WithCorrelationID(context.Background(), "corr-9")
	if got := correlationID(ctx); got != "corr-9" {
		t.Errorf("correlationID() = %q, want %q", got, "corr-9")
	}
}
