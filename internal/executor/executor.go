// Package executor is the step executor (C6): given the viable step batch
// discovery (C5) produced, it runs each step's handler under the
// guarded pending|failed -> in_progress transition, persists results before
// ever changing state (§4.5's save-first-then-transition protocol), and
// publishes the rich step.completed/step.failed events the state machines
// deliberately leave to this component. Concurrent batches are bounded by
// golang.org/x/sync/semaphore the same way the teacher's worker pool bounds
// node-runner dispatch.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tasker-run/tasker/internal/discovery"
	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/invoker"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/readiness"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/resilience"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskerr"
)

// DefaultMaxConcurrentSteps bounds parallel handler dispatch within one
// batch when no override is configured. The bound must stay small to avoid
// exhausting database connections (§4.5).
const DefaultMaxConcurrentSteps = 3

// Executor runs viable step batches.
type Executor struct {
	repo      *repo.Repository
	readiness *readiness.Provider
	bus       *eventbus.Bus
	steps     *statemachine.StepMachine
	registry  *invoker.Registry
	breakers  *resilience.StepBreakers
	logger    *zap.Logger
	sem       *semaphore.Weighted
}

// New builds an Executor. maxConcurrent values <= 0 fall back to
// DefaultMaxConcurrentSteps.
func New(r *repo.Repository, rp *readiness.Provider, bus *eventbus.Bus, steps *statemachine.StepMachine,
	registry *invoker.Registry, breakers *resilience.StepBreakers, maxConcurrent int, logger *zap.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSteps
	}
	return &Executor{
		repo: r, readiness: rp, bus: bus, steps: steps, registry: registry, breakers: breakers,
		logger: logger.With(zap.String("component", "executor")),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// RunBatch executes result.StepIDs according to result.Mode. It never
// returns an error for an individual step's failure — those are recorded on
// the step itself (§4.5) — only for infrastructure failures (DB/bus down)
// that make further progress on the task unsafe.
func (e *Executor) RunBatch(ctx context.Context, task *models.Task, result discovery.Result) error {
	if len(result.StepIDs) == 0 {
		return nil
	}

	if result.Mode == discovery.ModeSequential {
		for _, id := range result.StepIDs {
			if err := e.runStep(ctx, task, id); err != nil {
				return err
			}
		}
		return nil
	}

	errCh := make(chan error, len(result.StepIDs))
	for _, id := range result.StepIDs {
		id := id
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire step concurrency slot: %w", err)
		}
		go func() {
			defer e.sem.Release(1)
			errCh <- e.runStep(ctx, task, id)
		}()
	}
	for range result.StepIDs {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// runStep implements §4.5 steps 1-5 for a single workflow step.
func (e *Executor) runStep(ctx context.Context, task *models.Task, stepID int64) error {
	ctx, span := observability.StartSpan(ctx, "executor.run_step",
		attribute.Int64("task_id", task.TaskID), attribute.Int64("workflow_step_id", stepID))
	defer span.End()

	step, err := e.repo.GetWorkflowStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("load step %d: %w", stepID, err)
	}

	// Step 1: readiness must still hold at dispatch time — another
	// orchestrator iteration may have already picked this step up.
	readinesses, err := e.readiness.StepReadiness(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("recompute readiness before dispatch: %w", err)
	}
	ready := false
	for _, r := range readinesses {
		if r.WorkflowStepID == stepID {
			ready = r.ReadyForExecution
			break
		}
	}

	if _, err := e.steps.Start(ctx, step, ready, models.TransitionMetadata{TriggeringComponent: "executor"}); err != nil {
		if _, guardFailed := err.(*statemachine.ErrGuardFailed); guardFailed {
			e.logger.Debug("step no longer ready for dispatch", zap.Int64("workflow_step_id", stepID))
			return nil
		}
		return fmt.Errorf("start step %d: %w", stepID, err)
	}

	namedStep, err := e.repo.GetNamedStep(ctx, step.NamedStepID)
	if err != nil {
		return fmt.Errorf("load named step for %d: %w", stepID, err)
	}

	startedAt := time.Now()
	step.Attempts++
	step.LastAttemptedAt = &startedAt
	step.InProcess = true
	if err := e.repo.SaveStepAttempt(ctx, step); err != nil {
		return fmt.Errorf("save step attempt for %d: %w", stepID, err)
	}

	predecessorResults, err := e.predecessorResults(ctx, task.TaskID, stepID)
	if err != nil {
		return fmt.Errorf("load predecessor results for %d: %w", stepID, err)
	}

	handler, err := e.registry.Lookup(namedStep.DependentSystem, namedStep.Name)
	if err != nil {
		return e.failStep(ctx, task, step, namedStep, startedAt, err)
	}

	results, err := e.breakers.Guard(ctx, namedStep.DependentSystem, namedStep.Name, func(ctx context.Context) (map[string]interface{}, error) {
		return handler(ctx, task.Context, step.Inputs, predecessorResults)
	})
	if err != nil {
		return e.failStep(ctx, task, step, namedStep, startedAt, err)
	}
	return e.completeStep(ctx, task, step, namedStep, startedAt, results)
}

// completeStep implements §4.5 step 4: save results first, then transition,
// then publish the rich step.completed payload.
func (e *Executor) completeStep(ctx context.Context, task *models.Task, step *models.WorkflowStep, namedStep *models.NamedStep, startedAt time.Time, results map[string]interface{}) error {
	now := time.Now()
	step.Results = results
	step.ProcessedAt = &now
	step.Processed = true
	step.InProcess = false
	if err := e.repo.SaveStepSuccess(ctx, step); err != nil {
		return fmt.Errorf("save step success for %d: %w", step.WorkflowStepID, err)
	}

	if _, err := e.steps.TransitionTo(ctx, step, models.StepComplete, models.TransitionMetadata{TriggeringComponent: "executor"}); err != nil {
		return fmt.Errorf("transition step %d to complete: %w", step.WorkflowStepID, err)
	}

	payload := eventbus.BuildStepCompletedPayload(task.TaskID, step.WorkflowStepID, namedStep.Name,
		startedAt, now, step.Attempts, step.RetryLimit, correlationID(ctx))
	if err := e.bus.Publish(ctx, eventbus.EventStepCompleted, payload); err != nil {
		e.logger.Warn("publish step.completed failed", zap.Error(err), zap.Int64("workflow_step_id", step.WorkflowStepID))
	}
	return nil
}

// failStep implements §4.5 step 5: classify the handler's error, save the
// resulting backoff/failure state, then transition the step to failed,
// then publish the rich step.failed payload.
// Permanent errors and exhausted retries both land the step in the failed
// state; whether a later batch can retry it is governed entirely by the
// retry-eligibility rules in internal/readiness, not by this function.
func (e *Executor) failStep(ctx context.Context, task *models.Task, step *models.WorkflowStep, namedStep *models.NamedStep, startedAt time.Time, handlerErr error) error {
	retryable, permanent := taskerr.Classify(handlerErr)

	now := time.Now()
	step.LastFailureTime = &now
	step.InProcess = false

	var errMessage, errClass, backtrace string
	if permanent != nil {
		errMessage, errClass = permanent.Message, "PermanentError"
		if permanent.ErrorCode != "" {
			errClass = permanent.ErrorCode
		}
		step.BackoffRequestSeconds = nil
		// A permanent failure is terminal for this task regardless of how
		// many attempts remain (§4.5 step 5.4).
		step.Retryable = false
	} else {
		errMessage, errClass, backtrace = retryable.Message, retryable.ErrorClass, retryable.Backtrace
		step.BackoffRequestSeconds = retryable.RetryAfter
	}

	if step.Results == nil {
		step.Results = map[string]interface{}{}
	}
	step.Results["error"] = errMessage
	step.Results["error_class"] = errClass
	if backtrace != "" {
		step.Results["backtrace"] = backtrace
	}

	if err := e.repo.SaveStepFailure(ctx, step); err != nil {
		return fmt.Errorf("save step failure for %d: %w", step.WorkflowStepID, err)
	}

	if _, err := e.steps.TransitionTo(ctx, step, models.StepFailed, models.TransitionMetadata{TriggeringComponent: "executor"}); err != nil {
		return fmt.Errorf("transition step %d to failed: %w", step.WorkflowStepID, err)
	}

	payload := eventbus.BuildStepFailedPayload(task.TaskID, step.WorkflowStepID, namedStep.Name,
		startedAt, step.Attempts, step.RetryLimit, errMessage, errClass, backtrace, correlationID(ctx))
	if err := e.bus.Publish(ctx, eventbus.EventStepFailed, payload); err != nil {
		e.logger.Warn("publish step.failed failed", zap.Error(err), zap.Int64("workflow_step_id", step.WorkflowStepID))
	}
	return nil
}

// predecessorResults gathers the Results of every step that produces an
// edge into stepID, in edge-creation order, for the handler contract of
// §4.5 step 3.
func (e *Executor) predecessorResults(ctx context.Context, taskID, stepID int64) ([]map[string]interface{}, error) {
	edges, err := e.repo.GetEdgesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for _, edge := range edges {
		if edge.ToStepID != stepID {
			continue
		}
		producer, err := e.repo.GetWorkflowStep(ctx, edge.FromStepID)
		if err != nil {
			return nil, err
		}
		out = append(out, producer.Results)
	}
	return out, nil
}

func correlationID(ctx context.Context) string {
	id, _ := eventbus.CorrelationID(ctx)
	return id
}
