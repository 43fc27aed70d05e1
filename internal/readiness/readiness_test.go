package readiness

import (
	"testing"
	"time"

	"github.com/tasker-run/tasker/internal/models"
)

func TestComputeStepReadinessRootStepIsAlwaysDependencySatisfied(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := &models.WorkflowStep{WorkflowStepID: 1, CurrentState: models.StepPending, RetryLimit: 3}

	got := computeStepReadiness(step, 0, 0, now)
	if !got.DependenciesSatisfied {
		t.Error("a root step (0 total parents) must always be dependencies_satisfied")
	}
	if !got.ReadyForExecution {
		t.Error("a pending root step with no failures should be ready for execution")
	}
}

func TestComputeStepReadinessBlockedOnIncompleteParents(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := &models.WorkflowStep{WorkflowStepID: 2, CurrentState: models.StepPending, RetryLimit: 3}

	got := computeStepReadiness(step, 2, 1, now)
	if got.DependenciesSatisfied {
		t.Error("expected dependencies_satisfied=false when not all parents completed")
	}
	if got.ReadyForExecution {
		t.Error("a step blocked on parents must not be ready for execution")
	}
}

func TestComputeStepReadinessNotReadyWhenInProgressOrComplete(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	for _, state := range []models.StepStatus{models.StepInProgress, models.StepComplete, models.StepCancelled, models.StepResolvedManually} {
		step := &models.WorkflowStep{WorkflowStepID: 3, CurrentState: state, RetryLimit: 3}
		if got := computeStepReadiness(step, 0, 0, now); got.ReadyForExecution {
			t.Errorf("state %q should never be ready_for_execution", state)
		}
	}
}

func TestRetryEligibleExhaustedRetries(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := &models.WorkflowStep{Attempts: 3, RetryLimit: 3}
	if retryEligible(step, now) {
		t.Error("expected retry ineligible once attempts reaches retry_limit")
	}
}

func TestRetryEligibleNeverFailedIsAlwaysEligible(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := &models.WorkflowStep{Attempts: 0, RetryLimit: 3}
	if !retryEligible(step, now) {
		t.Error("a step that has never failed should be retry eligible")
	}
}

func TestRetryEligibleExplicitBackoffTakesPrecedence(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastAttempt := now.Add(-10 * time.Second)
	backoff := 60
	step := &models.WorkflowStep{
		Attempts: 1, RetryLimit: 3,
		BackoffRequestSeconds: &backoff,
		LastAttemptedAt:       &lastAttempt,
	}
	// Explicit backoff window (60s) hasn't elapsed since LastAttemptedAt (10s ago).
	if retryEligible(step, now) {
		t.Error("explicit backoff_request_seconds window must be honored even with few attempts")
	}

	later := now.Add(61 * time.Second)
	if !retryEligible(step, later) {
		t.Error("expected eligible once the explicit backoff window elapses")
	}
}

func TestRetryEligibleExponentialBackoffFallback(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastFailure := now.Add(-1 * time.Second)
	step := &models.WorkflowStep{Attempts: 2, RetryLimit: 5, LastFailureTime: &lastFailure}

	// 2^2 = 4s backoff, only 1s has elapsed.
	if retryEligible(step, now) {
		t.Error("expected not yet eligible within the exponential backoff window")
	}

	later := now.Add(5 * time.Second)
	if !retryEligible(step, later) {
		t.Error("expected eligible once the exponential backoff window elapses")
	}
}

func TestRetryEligibleExponentialBackoffCapsAtMax(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastFailure := now.Add(-(MaxBackoffSeconds - 1) * time.Second)
	// 2^10 would be 1024s without the cap; with it, 30s.
	step := &models.WorkflowStep{Attempts: 10, RetryLimit: 20, LastFailureTime: &lastFailure}
	if retryEligible(step, now) {
		t.Error("expected not yet eligible, only MaxBackoffSeconds-1 seconds elapsed")
	}
	later := now.Add(2 * time.Second)
	if !retryEligible(step, later) {
		t.Error("expected eligible once the capped backoff window elapses")
	}
}

func readiness(id int64, state models.StepStatus, ready bool) StepReadiness {
	return StepReadiness{WorkflowStepID: id, CurrentState: state, ReadyForExecution: ready}
}

func TestClassifyPrefersReadyStepsOverEverythingElse(t *testing.T) {
	tc := aggregate(1, []StepReadiness{
		readiness(1, models.StepInProgress, false),
		readiness(2, models.StepFailed, false),
		readiness(3, models.StepPending, true),
	})
	if tc.ExecutionStatus != StatusHasReadySteps {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusHasReadySteps)
	}
	if tc.RecommendedAction != ActionExecuteReadySteps {
		t.Errorf("recommended_action = %q, want %q", tc.RecommendedAction, ActionExecuteReadySteps)
	}
}

func TestClassifyProcessingWhenOnlyInProgress(t *testing.T) {
	tc := aggregate(1, []StepReadiness{readiness(1, models.StepInProgress, false)})
	if tc.ExecutionStatus != StatusProcessing {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusProcessing)
	}
}

func TestClassifyBlockedByFailures(t *testing.T) {
	tc := aggregate(1, []StepReadiness{readiness(1, models.StepFailed, false)})
	if tc.ExecutionStatus != StatusBlockedByFailures {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusBlockedByFailures)
	}
	if tc.HealthStatus != HealthBlocked {
		t.Errorf("health_status = %q, want %q", tc.HealthStatus, HealthBlocked)
	}
}

func TestClassifyAllComplete(t *testing.T) {
	tc := aggregate(1, []StepReadiness{
		readiness(1, models.StepComplete, false),
		readiness(2, models.StepResolvedManually, false),
	})
	if tc.ExecutionStatus != StatusAllComplete {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusAllComplete)
	}
	if tc.CompletionPercentage != 100.0 {
		t.Errorf("completion_percentage = %v, want 100.0", tc.CompletionPercentage)
	}
}

func TestClassifyAllCompleteForEmptyStepSet(t *testing.T) {
	tc := aggregate(1, nil)
	if tc.ExecutionStatus != StatusAllComplete {
		t.Errorf("execution_status = %q, want %q for an empty step set", tc.ExecutionStatus, StatusAllComplete)
	}
	if tc.CompletionPercentage != 0.0 {
		t.Errorf("completion_percentage = %v, want 0.0 for an empty step set", tc.CompletionPercentage)
	}
}

func TestClassifyWaitingForDependencies(t *testing.T) {
	tc := aggregate(1, []StepReadiness{readiness(1, models.StepPending, false)})
	if tc.ExecutionStatus != StatusWaitingForDeps {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusWaitingForDeps)
	}
}

func TestHealthRecoveringWhenFailuresCoexistWithReadySteps(t *testing.T) {
	tc := aggregate(1, []StepReadiness{
		readiness(1, models.StepFailed, false),
		readiness(2, models.StepPending, true),
	})
	if tc.HealthStatus != HealthRecovering {
		t.Errorf("health_status = %q, want %q", tc.HealthStatus, HealthRecovering)
	}
}

func TestWorkflowEfficiencyMirrorsExecutionStatus(t *testing.T) {
	allComplete := aggregate(1, []StepReadiness{readiness(1, models.StepComplete, false)})
	if got := workflowEfficiency(allComplete); got != EfficiencyOptimal {
		t.Errorf("all_complete -> %q, want %q", got, EfficiencyOptimal)
	}

	blocked := aggregate(1, []StepReadiness{readiness(1, models.StepFailed, false)})
	if got := workflowEfficiency(blocked); got != EfficiencyBlocked {
		t.Errorf("blocked_by_failures -> %q, want %q", got, EfficiencyBlocked)
	}
}

func TestParallelismPotentialThresholds(t *testing.T) {
	cases := []struct {
		readySteps int
		want       ParallelismPotential
	}{
		{0, ParallelismNone},
		{1, ParallelismSequential},
		{2, ParallelismModerate},
		{3, ParallelismModerate},
		{4, ParallelismHigh},
		{10, ParallelismHigh},
	}
	for _, c := range cases {
		tc := &TaskExecutionContext{ReadySteps: c.readySteps}
		if got := parallelismPotential(tc); got != c.want {
			t.Errorf("parallelismPotential(readySteps=%d) = %q, want %q", c.readySteps, got, c.want)
		}
	}
}

func TestRetryEligibleFailedNonRetryableStepIsTerminal(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastFailure := now.Add(-time.Hour)
	step := &models.WorkflowStep{
		Attempts: 1, RetryLimit: 3,
		CurrentState:    models.StepFailed,
		Retryable:       false,
		LastFailureTime: &lastFailure,
	}
	if retryEligible(step, now) {
		t.Error("a failed non-retryable step must stay terminal regardless of remaining attempts")
	}
}

func TestClassifyRetryPendingFailureDefersRatherThanBlocks(t *testing.T) {
	// A failed step still inside its retry budget, waiting out backoff: not
	// ready now, but not terminal either. The task must be deferred, not
	// declared blocked.
	tc := aggregate(1, []StepReadiness{
		{WorkflowStepID: 1, CurrentState: models.StepFailed, Attempts: 1, RetryLimit: 3, Retryable: true},
	})
	if tc.FailedSteps != 0 {
		t.Errorf("failed_steps = %d, want 0 for a retry-pending failure", tc.FailedSteps)
	}
	if tc.ExecutionStatus != StatusWaitingForDeps {
		t.Errorf("execution_status = %q, want %q", tc.ExecutionStatus, StatusWaitingForDeps)
	}
}

func TestStepReadinessTerminalFailure(t *testing.T) {
	cases := []struct {
		name string
		r    StepReadiness
		want bool
	}{
		{"exhausted retries", StepReadiness{CurrentState: models.StepFailed, Attempts: 3, RetryLimit: 3, Retryable: true}, true},
		{"permanent failure", StepReadiness{CurrentState: models.StepFailed, Attempts: 1, RetryLimit: 3, Retryable: false}, true},
		{"retry budget remaining", StepReadiness{CurrentState: models.StepFailed, Attempts: 1, RetryLimit: 3, Retryable: true}, false},
		{"not failed at all", StepReadiness{CurrentState: models.StepComplete, Attempts: 3, RetryLimit: 3}, false},
	}
	for _, c := range cases {
		if got := c.r.TerminalFailure(); got != c.want {
			t.Errorf("%s: TerminalFailure() = %v, want %v", c.name, got, c.want)
		}
	}
}
