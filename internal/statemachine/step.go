package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/repo"
)

// stepTable is the step transition table of §4.2.
var stepTable = map[models.StepStatus][]models.StepStatus{
	"":                    {models.StepPending},
	models.StepPending:    {models.StepInProgress, models.StepCancelled},
	models.StepInProgress: {models.StepComplete, models.StepFailed, models.StepCancelled},
	models.StepFailed:     {models.StepPending, models.StepInProgress, models.StepResolvedManually},
}

// stepEventNames intentionally omits (in_progress, complete) and
// (in_progress, failed): the executor (C6) publishes step.completed and
// step.failed itself with the richer payload §4.3/§4.5 require (attempt
// number, execution duration, error fields) rather than the bare
// transition row the machine would otherwise auto-publish here.
var stepEventNames = map[[2]models.StepStatus]string{
	{"", models.StepPending}:                         eventbus.EventStepInitialized,
	{models.StepPending, models.StepInProgress}:      eventbus.EventStepStarted,
	{models.StepFailed, models.StepInProgress}:       eventbus.EventStepStarted,
	{models.StepFailed, models.StepPending}:          eventbus.EventStepRetried,
	{models.StepPending, models.StepCancelled}:       eventbus.EventStepCancelled,
	{models.StepInProgress, models.StepCancelled}:    eventbus.EventStepCancelled,
	{models.StepFailed, models.StepResolvedManually}: eventbus.EventStepResolvedManually,
}

// StepMachine drives workflow-step transitions. pending|failed -> in_progress
// through Start is the only guarded transition (§4.2: requires StepReadiness.ready_for_execution
// == true); callers supply that bool themselves since the executor already
// computed it for the whole batch before dispatching (§4.4, §4.5).
type StepMachine struct {
	repo   *repo.Repository
	bus    *eventbus.Bus
	logger *zap.Logger
}

func NewStepMachine(r *repo.Repository, bus *eventbus.Bus, logger *zap.Logger) *StepMachine {
	return &StepMachine{repo: r, bus: bus, logger: logger.With(zap.String("component", "step-fsm"))}
}

// Start attempts pending|failed -> in_progress, guarded by readyForExecution.
// Returns ErrGuardFailed either when the transition isn't reachable from the
// step's current state or when readyForExecution is false.
func (m *StepMachine) Start(ctx context.Context, step *models.WorkflowStep, readyForExecution bool, meta models.TransitionMetadata) (TransitionResult, error) {
	if step.CurrentState == models.StepInProgress {
		return TransitionResult{AlreadyTarget: true}, nil
	}
	if !canReach(stepTable, step.CurrentState, models.StepInProgress) {
		return TransitionResult{}, &ErrGuardFailed{Entity: "step", From: string(step.CurrentState), To: string(models.StepInProgress)}
	}
	if !readyForExecution {
		return TransitionResult{}, &ErrGuardFailed{
			Entity: "step", From: string(step.CurrentState), To: string(models.StepInProgress),
			Reason: "not ready_for_execution",
		}
	}
	return m.transitionTo(ctx, step, models.StepInProgress, meta)
}

// Initialize records the nil -> pending transition for a freshly
// materialized step (§4.2). The step row itself is created already carrying
// the pending state, so this only lands the history row (inv. 2: every step
// has exactly one most_recent = true transition) and publishes
// step.initialized.
func (m *StepMachine) Initialize(ctx context.Context, step *models.WorkflowStep, meta models.TransitionMetadata) error {
	if meta.CorrelationID == "" {
		if id, ok := eventbus.CorrelationID(ctx); ok {
			meta.CorrelationID = id
		}
	}
	tr := &models.WorkflowStepTransition{WorkflowStepID: step.WorkflowStepID, ToState: models.StepPending, Metadata: meta.ToMap()}
	if err := m.repo.InsertStepTransition(ctx, tr); err != nil {
		return fmt.Errorf("insert initial step transition: %w", err)
	}
	if err := m.bus.Publish(ctx, eventbus.EventStepInitialized, tr); err != nil {
		m.logger.Warn("publish step.initialized failed", zap.Error(err), zap.Int64("workflow_step_id", step.WorkflowStepID))
	}
	return nil
}

// TransitionTo is the unguarded path for every other step transition
// (complete, failed, retry, cancel, resolved_manually).
func (m *StepMachine) TransitionTo(ctx context.Context, step *models.WorkflowStep, target models.StepStatus, meta models.TransitionMetadata) (TransitionResult, error) {
	return m.transitionTo(ctx, step, target, meta)
}

func (m *StepMachine) transitionTo(ctx context.Context, step *models.WorkflowStep, target models.StepStatus, meta models.TransitionMetadata) (TransitionResult, error) {
	current := step.CurrentState
	if current == target {
		return TransitionResult{AlreadyTarget: true}, nil
	}
	if !canReach(stepTable, current, target) {
		return TransitionResult{}, &ErrGuardFailed{Entity: "step", From: string(current), To: string(target)}
	}

	if meta.CorrelationID == "" {
		if id, ok := eventbus.CorrelationID(ctx); ok {
			meta.CorrelationID = id
		}
	}

	tr := &models.WorkflowStepTransition{WorkflowStepID: step.WorkflowStepID, ToState: target, Metadata: meta.ToMap()}
	if current != "" {
		from := current
		tr.FromState = &from
	}
	if err := m.repo.InsertStepTransition(ctx, tr); err != nil {
		return TransitionResult{}, fmt.Errorf("insert step transition: %w", err)
	}
	if err := m.repo.UpdateWorkflowStepState(ctx, step.WorkflowStepID, target); err != nil {
		return TransitionResult{}, fmt.Errorf("mirror step state: %w", err)
	}
	step.CurrentState = target

	if name, ok := stepEventNames[[2]models.StepStatus{current, target}]; ok {
		if err := m.bus.Publish(ctx, name, tr); err != nil {
			m.logger.Warn("publish step transition event failed", zap.Error(err), zap.String("event", name))
		}
	}

	return TransitionResult{Transitioned: true}, nil
}

// CanTransitionTo is a pure guard-free table lookup (§4.2 can_transition_to?).
func (m *StepMachine) CanTransitionTo(step *models.WorkflowStep, target models.StepStatus) bool {
	if step.CurrentState == target {
		return true
	}
	return canReach(stepTable, step.CurrentState, target)
}
