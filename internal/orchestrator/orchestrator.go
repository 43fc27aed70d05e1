// Package orchestrator is the top-level iteration loop (C8): for one task,
// run discovery (C5), execute whatever batch it finds (C6), then finalize
// (C7) against the execution context as it stands afterward (§4.7). Every
// call is safe to run concurrently with another call for the same task —
// the state machines' guards are what make a racing worker observe
// ErrGuardFailed instead of corrupting a transition, not any locking done
// here.
package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/discovery"
	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/executor"
	"github.com/tasker-run/tasker/internal/finalizer"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/readiness"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/statemachine"
)

// Orchestrator runs one iteration of the task lifecycle per call.
type Orchestrator struct {
	repo       *repo.Repository
	readiness  *readiness.Provider
	discoverer *discovery.Discoverer
	executor   *executor.Executor
	finalizer  *finalizer.Finalizer
	tasks      *statemachine.TaskMachine
	bus        *eventbus.Bus
	logger     *zap.Logger
}

func New(r *repo.Repository, rp *readiness.Provider, d *discovery.Discoverer, e *executor.Executor,
	f *finalizer.Finalizer, tasks *statemachine.TaskMachine, bus *eventbus.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo: r, readiness: rp, discoverer: d, executor: e, finalizer: f, tasks: tasks, bus: bus,
		logger: logger.With(zap.String("component", "orchestrator")),
	}
}

// RunIteration implements §4.7's loop: start the task if it's still
// pending, then keep discovering and executing viable batches while the
// execution context recommends execute_ready_steps; any other
// recommendation hands the task to the finalizer and returns. A task
// already in a terminal state is a no-op success — reenqueue messages for
// a task that finished via another path are expected and harmless (§5
// idempotency).
func (o *Orchestrator) RunIteration(ctx context.Context, taskID int64, forceSequential bool) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.run_iteration", attribute.Int64("task_id", taskID))
	defer span.End()

	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}

	if task.CurrentStatus.Terminal() {
		o.logger.Debug("iteration skipped, task already terminal", zap.Int64("task_id", taskID), zap.String("status", string(task.CurrentStatus)))
		return nil
	}

	if task.CurrentStatus == models.TaskPending {
		if _, err := o.tasks.TransitionTo(ctx, task, models.TaskInProgress, models.TransitionMetadata{TriggeringComponent: "orchestrator"}); err != nil {
			if _, guardFailed := err.(*statemachine.ErrGuardFailed); guardFailed {
				o.logger.Debug("task already started by another worker", zap.Int64("task_id", taskID))
			} else {
				return fmt.Errorf("start task %d: %w", taskID, err)
			}
		}
	}

	for {
		tc, err := o.readiness.ExecutionContext(ctx, taskID)
		if err != nil {
			return fmt.Errorf("compute execution context for task %d: %w", taskID, err)
		}

		o.publishIterationStarted(ctx, taskID, tc)

		if tc.RecommendedAction == readiness.ActionExecuteReadySteps {
			result, err := o.discoverer.Find(ctx, task, forceSequential)
			if err != nil {
				return fmt.Errorf("discover viable steps for task %d: %w", taskID, err)
			}
			if len(result.StepIDs) > 0 {
				if err := o.executor.RunBatch(ctx, task, result); err != nil {
					return fmt.Errorf("run step batch for task %d: %w", taskID, err)
				}
				continue
			}
			// Discovery disagreed with the context we just read (a racing
			// worker drained the ready set). Fall through to the finalizer.
		}

		if err := o.finalizer.Finalize(ctx, task, tc); err != nil {
			return fmt.Errorf("finalize task %d: %w", taskID, err)
		}
		return nil
	}
}

func (o *Orchestrator) publishIterationStarted(ctx context.Context, taskID int64, tc *readiness.TaskExecutionContext) {
	id, _ := eventbus.CorrelationID(ctx)
	payload := eventbus.BuildOrchestrationPayload(eventbus.EventWorkflowIterationStarted, map[string]interface{}{
		"task_id":          taskID,
		"execution_status": string(tc.ExecutionStatus),
		"ready_steps":      tc.ReadySteps,
		"in_progress":      tc.InProgressSteps,
	}, id)
	if err := o.bus.Publish(ctx, eventbus.EventWorkflowIterationStarted, payload); err != nil {
		o.logger.Warn("publish iteration_started failed", zap.Error(err), zap.Int64("task_id", taskID))
	}
}
