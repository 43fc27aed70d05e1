// Package finalizer is the task finalizer and reenqueuer (C7): given a
// task's current TaskExecutionContext, it either drives the task to a
// terminal state and publishes the rich task.completed/task.failed payload,
// or arranges for the orchestrator to look at the task again after an
// appropriate delay (§4.6).
package finalizer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/cache"
	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/queue"
	"github.com/tasker-run/tasker/internal/readiness"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskerr"
)

// Delay tiers for the reenqueuer (§4.6): a task with ready work is
// reenqueued immediately, one still processing in-flight steps waits a
// short interval, and one only waiting on dependencies waits longer since
// nothing will change until the backoff window of one of its own failed
// steps elapses.
const (
	DelayNone   = 0
	DelayShort  = 2 * time.Second
	DelayMedium = 10 * time.Second

	// ReenqueueMarkerTTL bounds how long a reenqueue claim survives a worker
	// that dies before picking the task back up (§5 idempotency).
	ReenqueueMarkerTTL = time.Minute
)

// Reenqueuer is the subset of *queue.RabbitMQQueue the finalizer needs: the
// delay-queue-aware publish built in internal/queue/reenqueue.go.
type Reenqueuer interface {
	PublishReenqueue(ctx context.Context, msg queue.ReenqueueMessage, delayMs int) error
}

// Finalizer drives a task to completion or schedules its next look.
type Finalizer struct {
	repo   *repo.Repository
	cache  cache.Cache
	bus    *eventbus.Bus
	tasks  *statemachine.TaskMachine
	q      Reenqueuer
	logger *zap.Logger
}

func New(r *repo.Repository, c cache.Cache, bus *eventbus.Bus, tasks *statemachine.TaskMachine, q Reenqueuer, logger *zap.Logger) *Finalizer {
	return &Finalizer{repo: r, cache: c, bus: bus, tasks: tasks, q: q, logger: logger.With(zap.String("component", "finalizer"))}
}

// Finalize implements the §4.6 decision table against tc, a
// TaskExecutionContext the caller (typically the orchestrator, after C5/C6
// ran) already computed for task.
func (f *Finalizer) Finalize(ctx context.Context, task *models.Task, tc *readiness.TaskExecutionContext) error {
	switch tc.ExecutionStatus {
	case readiness.StatusAllComplete:
		return f.complete(ctx, task, tc)
	case readiness.StatusBlockedByFailures:
		return f.fail(ctx, task, tc)
	case readiness.StatusHasReadySteps:
		return f.reenqueue(ctx, task, DelayNone, "has_ready_steps")
	case readiness.StatusProcessing:
		return f.reenqueue(ctx, task, DelayShort, "processing")
	case readiness.StatusWaitingForDeps:
		return f.reenqueue(ctx, task, DelayMedium, "waiting_for_dependencies")
	default:
		return fmt.Errorf("finalize: unrecognized execution status %q", tc.ExecutionStatus)
	}
}

func (f *Finalizer) complete(ctx context.Context, task *models.Task, tc *readiness.TaskExecutionContext) error {
	if _, err := f.tasks.TransitionTo(ctx, task, models.TaskComplete, models.TransitionMetadata{TriggeringComponent: "finalizer"}); err != nil {
		return fmt.Errorf("transition task %d to complete: %w", task.TaskID, err)
	}

	payload := eventbus.BuildTaskPayload(task.TaskID, taskName(task), task.RequestedAt, true,
		tc.TotalSteps, tc.CompletedSteps, tc.FailedSteps, tc.PendingSteps, correlationID(ctx))
	if err := f.bus.Publish(ctx, eventbus.EventTaskCompleted, payload); err != nil {
		f.logger.Warn("publish task.completed failed", zap.Error(err), zap.Int64("task_id", task.TaskID))
	}
	if f.cache != nil {
		_ = cache.ClearReenqueued(ctx, f.cache, task.TaskID)
	}
	return nil
}

// fail drives the task to error and attaches an error_steps summary beyond
// the standard TaskPayload shape, matching §4.6's requirement that
// task.failed carry which steps actually blocked completion.
func (f *Finalizer) fail(ctx context.Context, task *models.Task, tc *readiness.TaskExecutionContext) error {
	if _, err := f.tasks.TransitionTo(ctx, task, models.TaskError, models.TransitionMetadata{TriggeringComponent: "finalizer"}); err != nil {
		return fmt.Errorf("transition task %d to error: %w", task.TaskID, err)
	}

	errorSteps := make([]int64, 0, tc.FailedSteps)
	for _, r := range tc.StepReadiness {
		if r.TerminalFailure() {
			errorSteps = append(errorSteps, r.WorkflowStepID)
		}
	}

	payload := struct {
		eventbus.TaskPayload
		ErrorSteps []int64 `json:"error_steps"`
	}{
		TaskPayload: eventbus.BuildTaskPayload(task.TaskID, taskName(task), task.RequestedAt, true,
			tc.TotalSteps, tc.CompletedSteps, tc.FailedSteps, tc.PendingSteps, correlationID(ctx)),
		ErrorSteps: errorSteps,
	}
	if err := f.bus.Publish(ctx, eventbus.EventTaskFailed, payload); err != nil {
		f.logger.Warn("publish task.failed failed", zap.Error(err), zap.Int64("task_id", task.TaskID))
	}
	if f.cache != nil {
		_ = cache.ClearReenqueued(ctx, f.cache, task.TaskID)
	}
	return nil
}

// reenqueue publishes the task back onto the ready/delay queue, guarded by
// the cache marker so concurrent orchestrator workers evaluating the same
// task don't double-publish (§4.6, §5 idempotency).
func (f *Finalizer) reenqueue(ctx context.Context, task *models.Task, delay time.Duration, reason string) error {
	if f.cache != nil {
		claimed, err := cache.MarkReenqueued(ctx, f.cache, task.TaskID, ReenqueueMarkerTTL)
		if err != nil {
			f.publishReenqueueFailed(ctx, task.TaskID, reason, err)
			return fmt.Errorf("mark task %d reenqueued: %w", task.TaskID, err)
		}
		if !claimed {
			f.logger.Debug("task already reenqueued by another worker", zap.Int64("task_id", task.TaskID))
			return nil
		}
	}

	msg := queue.ReenqueueMessage{TaskID: task.TaskID, Reason: reason}
	if err := f.q.PublishReenqueue(ctx, msg, int(delay.Milliseconds())); err != nil {
		f.publishReenqueueFailed(ctx, task.TaskID, reason, err)
		return &taskerr.InfrastructureError{Message: fmt.Sprintf("publish reenqueue for task %d", task.TaskID), Err: err}
	}

	event := eventbus.EventWorkflowTaskReenqueueStarted
	if delay > 0 {
		event = eventbus.EventWorkflowTaskReenqueueDelayed
	}
	payload := eventbus.BuildOrchestrationPayload(event, map[string]interface{}{
		"task_id": task.TaskID, "reason": reason, "delay_ms": delay.Milliseconds(),
	}, correlationID(ctx))
	if err := f.bus.Publish(ctx, event, payload); err != nil {
		f.logger.Warn("publish reenqueue event failed", zap.Error(err), zap.Int64("task_id", task.TaskID))
	}
	return nil
}

func (f *Finalizer) publishReenqueueFailed(ctx context.Context, taskID int64, reason string, cause error) {
	payload := eventbus.BuildOrchestrationPayload(eventbus.EventWorkflowTaskReenqueueFailed, map[string]interface{}{
		"task_id": taskID, "reason": reason, "error": cause.Error(),
	}, correlationID(ctx))
	if err := f.bus.Publish(ctx, eventbus.EventWorkflowTaskReenqueueFailed, payload); err != nil {
		f.logger.Warn("publish reenqueue_failed event failed", zap.Error(err))
	}
}

func taskName(task *models.Task) string {
	if task.Reason != "" {
		return task.Reason
	}
	return fmt.Sprintf("task-%d", task.TaskID)
}

func correlationID(ctx context.Context) string {
	id, _ := eventbus.CorrelationID(ctx)
	return id
}
