// Package discovery implements viable step discovery (C5): given a task, it
// returns the ordered set of steps eligible to run now and the processing
// mode the executor should use for them (§4.4).
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/readiness"
)

// ProcessingMode selects how the executor runs a viable batch (§4.4, §4.5).
type ProcessingMode string

const (
	ModeConcurrent ProcessingMode = "concurrent"
	ModeSequential ProcessingMode = "sequential"
)

// Result is the discovery output for one task.
type Result struct {
	StepIDs []int64
	Mode    ProcessingMode
}

// Discoverer implements the §4.4 algorithm.
type Discoverer struct {
	readiness *readiness.Provider
	bus       *eventbus.Bus
	logger    *zap.Logger
}

func New(provider *readiness.Provider, bus *eventbus.Bus, logger *zap.Logger) *Discoverer {
	return &Discoverer{readiness: provider, bus: bus, logger: logger.With(zap.String("component", "discovery"))}
}

// Find runs the §4.4 algorithm for task. forceSequential expresses "the
// task's configuration demands ordered execution"; Find takes it only from
// this argument and does not read it from the task's context or its
// named-task configuration. Without it, a batch of one step or fewer is
// sequential and a larger batch is concurrent.
func (d *Discoverer) Find(ctx context.Context, task *models.Task, forceSequential bool) (Result, error) {
	tc, err := d.readiness.ExecutionContext(ctx, task.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("compute execution context for discovery: %w", err)
	}

	if tc.ExecutionStatus == readiness.StatusAllComplete || tc.ExecutionStatus == readiness.StatusBlockedByFailures {
		d.publishNoViableSteps(ctx, task.TaskID, string(tc.ExecutionStatus))
		return Result{Mode: ModeSequential}, nil
	}

	stepIDs := append([]int64(nil), tc.ReadyStepIDs...)

	mode := ModeConcurrent
	if forceSequential || len(stepIDs) <= 1 {
		mode = ModeSequential
	}

	d.publishDiscovered(ctx, task.TaskID, stepIDs, mode)
	return Result{StepIDs: stepIDs, Mode: mode}, nil
}

func (d *Discoverer) publishNoViableSteps(ctx context.Context, taskID int64, reason string) {
	payload := eventbus.BuildOrchestrationPayload(eventbus.EventWorkflowNoViableSteps, map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
	}, correlationID(ctx))
	if err := d.bus.Publish(ctx, eventbus.EventWorkflowNoViableSteps, payload); err != nil {
		d.logger.Warn("publish no_viable_steps failed", zap.Error(err))
	}
}

func (d *Discoverer) publishDiscovered(ctx context.Context, taskID int64, stepIDs []int64, mode ProcessingMode) {
	payload := eventbus.BuildOrchestrationPayload(eventbus.EventWorkflowViableStepsDiscovered, map[string]interface{}{
		"task_id":         taskID,
		"step_ids":        stepIDs,
		"processing_mode": string(mode),
		"step_count":      len(stepIDs),
	}, correlationID(ctx))
	if err := d.bus.Publish(ctx, eventbus.EventWorkflowViableStepsDiscovered, payload); err != nil {
		d.logger.Warn("publish viable_steps_discovered failed", zap.Error(err))
	}
}

func correlationID(ctx context.Context) string {
	id, _ := eventbus.CorrelationID(ctx)
	return id
}
