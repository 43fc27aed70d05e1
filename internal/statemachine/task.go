package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/repo"
)

// taskTable is the task transition table of §4.2. The zero value of
// models.TaskStatus ("") stands in for "no prior transition" (initialize).
var taskTable = map[models.TaskStatus][]models.TaskStatus{
	"":                    {models.TaskPending},
	models.TaskPending:    {models.TaskInProgress, models.TaskCancelled},
	models.TaskInProgress: {models.TaskComplete, models.TaskError, models.TaskCancelled},
	models.TaskError:      {models.TaskPending, models.TaskResolvedManually},
}

// taskEventNames intentionally omits (in_progress, complete) and
// (in_progress, error): the finalizer (C7) publishes task.completed and
// task.failed itself with the richer payload §4.3/§4.6 require (completed
// step counts, error_steps summary) rather than the bare transition row the
// machine would otherwise auto-publish here.
var taskEventNames = map[[2]models.TaskStatus]string{
	{"", models.TaskPending}:                        eventbus.EventTaskInitializeRequested,
	{models.TaskPending, models.TaskInProgress}:     eventbus.EventTaskStarted,
	{models.TaskError, models.TaskPending}:          eventbus.EventTaskRetried,
	{models.TaskPending, models.TaskCancelled}:      eventbus.EventTaskCancelled,
	{models.TaskInProgress, models.TaskCancelled}:   eventbus.EventTaskCancelled,
	{models.TaskError, models.TaskResolvedManually}: eventbus.EventTaskResolvedManually,
}

// TaskGuard evaluates whether a guarded transition may proceed. Only
// in_progress -> complete is guarded (§4.2: permitted only when the
// TaskExecutionContext reports execution_status = all_complete); every
// other task transition is unguarded.
type TaskGuard func(ctx context.Context, task *models.Task, to models.TaskStatus) (bool, string, error)

// TaskMachine drives task transitions against the durable store and
// publishes the corresponding event on success (§4.2).
type TaskMachine struct {
	repo   *repo.Repository
	bus    *eventbus.Bus
	logger *zap.Logger
	guard  TaskGuard
}

// NewTaskMachine builds a TaskMachine. guard may be nil, in which case the
// in_progress -> complete transition is unguarded (callers that don't wire
// a guard are responsible for only requesting TaskComplete through
// TransitionTo when it's actually warranted).
func NewTaskMachine(r *repo.Repository, bus *eventbus.Bus, logger *zap.Logger, guard TaskGuard) *TaskMachine {
	return &TaskMachine{repo: r, bus: bus, logger: logger.With(zap.String("component", "task-fsm")), guard: guard}
}

// TransitionResult reports what TransitionTo actually did.
type TransitionResult struct {
	Transitioned  bool
	AlreadyTarget bool
}

// TransitionTo moves task to target, recording a transition row and
// publishing the matching event. Same-state requests are a no-op success
// (§4.2, §5 idempotency) — this is what makes reenqueue-triggered restarts
// and the orchestrator's concurrent invocations safe to retry blindly.
func (m *TaskMachine) TransitionTo(ctx context.Context, task *models.Task, target models.TaskStatus, meta models.TransitionMetadata) (TransitionResult, error) {
	current := task.CurrentStatus

	if current == target {
		return TransitionResult{AlreadyTarget: true}, nil
	}

	if !canReach(taskTable, current, target) {
		return TransitionResult{}, &ErrGuardFailed{Entity: "task", From: string(current), To: string(target)}
	}

	if target == models.TaskComplete && m.guard != nil {
		ok, reason, err := m.guard(ctx, task, target)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("evaluate task completion guard: %w", err)
		}
		if !ok {
			return TransitionResult{}, &ErrGuardFailed{Entity: "task", From: string(current), To: string(target), Reason: reason}
		}
	}

	if meta.CorrelationID == "" {
		if id, ok := eventbus.CorrelationID(ctx); ok {
			meta.CorrelationID = id
		}
	}

	tr := &models.TaskTransition{TaskID: task.TaskID, ToState: target, Metadata: meta.ToMap()}
	if current != "" {
		from := current
		tr.FromState = &from
	}
	if err := m.repo.InsertTaskTransition(ctx, tr); err != nil {
		return TransitionResult{}, fmt.Errorf("insert task transition: %w", err)
	}
	if err := m.repo.UpdateTaskStatus(ctx, task.TaskID, target); err != nil {
		return TransitionResult{}, fmt.Errorf("mirror task status: %w", err)
	}
	task.CurrentStatus = target

	if name, ok := taskEventNames[[2]models.TaskStatus{current, target}]; ok {
		if err := m.bus.Publish(ctx, name, tr); err != nil {
			m.logger.Warn("publish task transition event failed", zap.Error(err), zap.String("event", name))
		}
	}

	return TransitionResult{Transitioned: true}, nil
}

// CanTransitionTo reports whether target is reachable from task's current
// state, ignoring guards — a pure table lookup (§4.2 can_transition_to?).
func (m *TaskMachine) CanTransitionTo(task *models.Task, target models.TaskStatus) bool {
	if task.CurrentStatus == target {
		return true
	}
	return canReach(taskTable, task.CurrentStatus, target)
}
