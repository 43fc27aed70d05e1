package statemachine

import (
	"testing"

	"github.com/tasker-run/tasker/internal/models"
)

func TestCanReachTaskTable(t *testing.T) {
	cases := []struct {
		from, to models.TaskStatus
		want     bool
	}{
		{"", models.TaskPending, true},
		{models.TaskPending, models.TaskInProgress, true},
		{models.TaskPending, models.TaskCancelled, true},
		{models.TaskInProgress, models.TaskComplete, true},
		{models.TaskInProgress, models.TaskError, true},
		{models.TaskError, models.TaskPending, true},
		{models.TaskError, models.TaskResolvedManually, true},
		{models.TaskPending, models.TaskComplete, false},
		{models.TaskComplete, models.TaskPending, false},
		{models.TaskCancelled, models.TaskInProgress, false},
	}
	for _, c := range cases {
		if got := canReach(taskTable, c.from, c.to); got != c.want {
			t.Errorf("canReach(%q -> %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanReachStepTable(t *testing.T) {
	cases := []struct {
		from, to models.StepStatus
		want     bool
	}{
		{"", models.StepPending, true},
		{models.StepPending, models.StepInProgress, true},
		{models.StepInProgress, models.StepComplete, true},
		{models.StepInProgress, models.StepFailed, true},
		{models.StepFailed, models.StepPending, true},
		{models.StepFailed, models.StepResolvedManually, true},
		{models.StepComplete, models.StepPending, false},
		{models.StepPending, models.StepComplete, false},
	}
	for _, c := range cases {
		if got := canReach(stepTable, c.from, c.to); got != c.want {
			t.Errorf("canReach(%q -> %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestErrGuardFailedMessage(t *testing.T) {
	withReason := &ErrGuardFailed{Entity: "task", From: "pending", To: "complete", Reason: "not all steps done"}
	if got, want := withReason.Error(), "task: pending -> complete rejected: not all steps done"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withoutReason := &ErrGuardFailed{Entity: "step", From: "complete", To: "pending"}
	if got, want := withoutReason.Error(), "step: complete -> pending is not a valid transition"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTaskMachineTransitionToSameStateIsNoopIdempotent(t *testing.T) {
	// TransitionTo must short-circuit on current == target before ever
	// touching the repository or bus, so a nil TaskMachine dependency is
	// safe to exercise this path.
	m := &TaskMachine{}
	task := &models.Task{TaskID: 1, CurrentStatus: models.TaskInProgress}

	result, err := m.TransitionTo(nil, task, models.TaskInProgress, models.TransitionMetadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyTarget || result.Transitioned {
		t.Fatalf("expected AlreadyTarget=true, Transitioned=false, got %#v", result)
	}
}

func TestTaskMachineTransitionToInvalidTransitionFailsBeforeTouchingRepo(t *testing.T) {
	m := &TaskMachine{}
	task := &models.Task{TaskID: 1, CurrentStatus: models.TaskComplete}

	_, err := m.TransitionTo(nil, task, models.TaskPending, models.TransitionMetadata{})
	if _, ok := err.(*ErrGuardFailed); !ok {
		t.Fatalf("expected *ErrGuardFailed, got %#v", err)
	}
}

func TestTaskMachineCanTransitionTo(t *testing.T) {
	m := &TaskMachine{}
	task := &models.Task{TaskID: 1, CurrentStatus: models.TaskPending}

	if !m.CanTransitionTo(task, models.TaskPending) {
		t.Error("same-state should always be reachable")
	}
	if !m.CanTransitionTo(task, models.TaskInProgress) {
		t.Error("pending -> in_progress should be reachable")
	}
	if m.CanTransitionTo(task, models.TaskComplete) {
		t.Error("pending -> complete should not be reachable")
	}
}

func TestStepMachineStartSameStateIsNoop(t *testing.T) {
	m := &StepMachine{}
	step := &models.WorkflowStep{WorkflowStepID: 1, CurrentState: models.StepInProgress}

	result, err := m.Start(nil, step, true, models.TransitionMetadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyTarget {
		t.Fatalf("expected AlreadyTarget=true, got %#v", result)
	}
}

func TestStepMachineStartRejectsUnreadyStep(t *testing.T) {
	m := &StepMachine{}
	step := &models.WorkflowStep{WorkflowStepID: 1, CurrentState: models.StepPending}

	_, err := m.Start(nil, step, false, models.TransitionMetadata{})
	if _, ok := err.(*ErrGuardFailed); !ok {
		t.Fatalf("expected *ErrGuardFailed when not ready for execution, got %#v", err)
	}
}

func TestStepMachineStartRejectsUnreachableTransition(t *testing.T) {
	m := &StepMachine{}
	step := &models.WorkflowStep{WorkflowStepID: 1, CurrentState: models.StepComplete}

	_, err := m.Start(nil, step, true, models.TransitionMetadata{})
	if _, ok := err.(*ErrGuardFailed); !ok {
		t.Fatalf("expected *ErrGuardFailed, got %#v", err)
	}
}
