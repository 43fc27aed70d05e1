// Package readiness computes the two derived, read-only projections that
// drive every scheduling decision in Tasker (C2): per-step StepReadiness
// and per-task TaskExecutionContext. Both are recomputed in-process from
// the latest committed state on every call rather than maintained as
// database views — a conforming alternative per §9's design notes, as long
// as the field semantics of §4.1 are preserved exactly (COALESCE-to-zero
// parent counts, explicit-backoff precedence over failure-based backoff).
package readiness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/repo"
)

// MaxBackoffSeconds caps the exponential backoff schedule (§4.1 rule 4).
const MaxBackoffSeconds = 30

// ExecutionStatus is the 5-state classification of §4.1 — the spec is
// explicit that this table, not any 4-state variant seen upstream, is
// normative.
type ExecutionStatus string

const (
	StatusHasReadySteps     ExecutionStatus = "has_ready_steps"
	StatusProcessing        ExecutionStatus = "processing"
	StatusBlockedByFailures ExecutionStatus = "blocked_by_failures"
	StatusAllComplete       ExecutionStatus = "all_complete"
	StatusWaitingForDeps    ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction parallels ExecutionStatus (§4.1).
type RecommendedAction string

const (
	ActionExecuteReadySteps   RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion   RecommendedAction = "wait_for_completion"
	ActionHandleFailures      RecommendedAction = "handle_failures"
	ActionFinalizeTask        RecommendedAction = "finalize_task"
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

// HealthStatus classifies how a task's failures relate to its ready work.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
	HealthUnknown    HealthStatus = "unknown"
)

// WorkflowEfficiency and ParallelismPotential classify a TaskWorkflowSummary.
type WorkflowEfficiency string

const (
	EfficiencyOptimal    WorkflowEfficiency = "optimal"
	EfficiencyRecovering WorkflowEfficiency = "recovering"
	EfficiencyProcessing WorkflowEfficiency = "processing"
	EfficiencyBlocked    WorkflowEfficiency = "blocked"
	EfficiencyWaiting    WorkflowEfficiency = "waiting"
)

type ParallelismPotential string

const (
	ParallelismHigh       ParallelismPotential = "high_parallelism"
	ParallelismModerate   ParallelismPotential = "moderate_parallelism"
	ParallelismSequential ParallelismPotential = "sequential_only"
	ParallelismNone       ParallelismPotential = "no_ready_work"
)

// StepReadiness is the per-step projection of §4.1.
type StepReadiness struct {
	WorkflowStepID        int64
	TaskID                int64
	NamedStepID           int64
	CurrentState          models.StepStatus
	TotalParents          int
	CompletedParents      int
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	Attempts              int
	RetryLimit            int
	Retryable             bool
}

// TerminalFailure reports whether a failed step can never run again in this
// task: retries exhausted, or the failure was permanent. A failed step that
// is merely waiting out its backoff window is not terminal — it still
// counts as work in flight, so the finalizer defers the task instead of
// declaring it blocked.
func (r StepReadiness) TerminalFailure() bool {
	return r.CurrentState == models.StepFailed && (r.Attempts >= r.RetryLimit || !r.Retryable)
}

// TaskExecutionContext is the per-task aggregate of §4.1.
type TaskExecutionContext struct {
	TaskID               int64
	TotalSteps           int
	PendingSteps         int
	InProgressSteps      int
	CompletedSteps       int
	FailedSteps          int
	ReadySteps           int
	ExecutionStatus      ExecutionStatus
	RecommendedAction    RecommendedAction
	CompletionPercentage float64
	HealthStatus         HealthStatus
	ReadyStepIDs         []int64
	StepReadiness        []StepReadiness
}

// TaskWorkflowSummary extends TaskExecutionContext with DAG-shape fields.
type TaskWorkflowSummary struct {
	TaskExecutionContext
	RootStepIDs          []int64
	RootStepCount        int
	WorkflowEfficiency   WorkflowEfficiency
	ParallelismPotential ParallelismPotential
}

// Provider computes readiness projections against the durable store.
type Provider struct {
	repo *repo.Repository
	now  func() time.Time
}

// New builds a Provider. now defaults to time.Now and is overridable in
// tests that need deterministic backoff-window assertions.
func New(r *repo.Repository) *Provider {
	return &Provider{repo: r, now: time.Now}
}

// WithClock overrides the provider's notion of "now" — test-only.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// StepReadiness computes the per-step readiness set for a task (§4.1),
// deterministically ordered by workflow_step_id ascending so callers that
// need tie-breaking (§4.4) get it for free.
func (p *Provider) StepReadiness(ctx context.Context, taskID int64) ([]StepReadiness, error) {
	steps, err := p.repo.GetWorkflowStepsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load steps for readiness: %w", err)
	}
	edges, err := p.repo.GetEdgesByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load edges for readiness: %w", err)
	}

	byID := make(map[int64]*models.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.WorkflowStepID] = s
	}

	parents := make(map[int64][]int64)
	for _, e := range edges {
		parents[e.ToStepID] = append(parents[e.ToStepID], e.FromStepID)
	}

	now := p.now()
	out := make([]StepReadiness, 0, len(steps))
	for _, s := range steps {
		totalParents := len(parents[s.WorkflowStepID])
		completedParents := 0
		for _, parentID := range parents[s.WorkflowStepID] {
			if parent, ok := byID[parentID]; ok && parent.CurrentState.Complete() {
				completedParents++
			}
		}
		out = append(out, computeStepReadiness(s, totalParents, completedParents, now))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowStepID < out[j].WorkflowStepID })
	return out, nil
}

// computeStepReadiness is the pure function underlying §4.1's StepReadiness
// table. totalParents/completedParents are never nil/negative — root steps
// (totalParents == 0) always get dependencies_satisfied == true (inv. 3).
func computeStepReadiness(s *models.WorkflowStep, totalParents, completedParents int, now time.Time) StepReadiness {
	depsSatisfied := totalParents == 0 || completedParents == totalParents

	retryEligible := retryEligible(s, now)

	readyForExecution := (s.CurrentState == models.StepPending || s.CurrentState == models.StepFailed) &&
		depsSatisfied && retryEligible

	return StepReadiness{
		WorkflowStepID:        s.WorkflowStepID,
		TaskID:                s.TaskID,
		NamedStepID:           s.NamedStepID,
		CurrentState:          s.CurrentState,
		TotalParents:          totalParents,
		CompletedParents:      completedParents,
		DependenciesSatisfied: depsSatisfied,
		RetryEligible:         retryEligible,
		ReadyForExecution:     readyForExecution,
		Attempts:              s.Attempts,
		RetryLimit:            s.RetryLimit,
		Retryable:             s.Retryable,
	}
}

// retryEligible implements the four-rule ladder of §4.1, including the
// critical precedence: an explicit backoff_request_seconds always wins over
// the "never failed" shortcut, so a step under server-requested backoff is
// never ready before that window elapses regardless of prior success.
func retryEligible(s *models.WorkflowStep, now time.Time) bool {
	if s.Attempts >= s.RetryLimit {
		return false
	}
	// A failed step marked non-retryable (a PermanentError outcome) is
	// terminal no matter how many attempts remain.
	if s.CurrentState == models.StepFailed && !s.Retryable {
		return false
	}
	if s.BackoffRequestSeconds != nil && s.LastAttemptedAt != nil {
		deadline := s.LastAttemptedAt.Add(time.Duration(*s.BackoffRequestSeconds) * time.Second)
		return !deadline.After(now)
	}
	if s.LastFailureTime == nil {
		return true
	}
	backoff := time.Duration(math.Min(math.Pow(2, float64(s.Attempts)), MaxBackoffSeconds)) * time.Second
	return !s.LastFailureTime.Add(backoff).After(now)
}

// ExecutionContext computes the per-task aggregate of §4.1.
func (p *Provider) ExecutionContext(ctx context.Context, taskID int64) (*TaskExecutionContext, error) {
	readinesses, err := p.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return aggregate(taskID, readinesses), nil
}

func aggregate(taskID int64, readinesses []StepReadiness) *TaskExecutionContext {
	tc := &TaskExecutionContext{TaskID: taskID, StepReadiness: readinesses}
	tc.TotalSteps = len(readinesses)

	for _, r := range readinesses {
		switch r.CurrentState {
		case models.StepPending:
			tc.PendingSteps++
		case models.StepInProgress:
			tc.InProgressSteps++
		case models.StepComplete, models.StepResolvedManually:
			tc.CompletedSteps++
		case models.StepFailed:
			// Only terminal failures block a task (§7): a failed step still
			// inside its retry budget is pending work waiting on backoff.
			if r.TerminalFailure() {
				tc.FailedSteps++
			} else {
				tc.PendingSteps++
			}
		}
		if r.ReadyForExecution {
			tc.ReadySteps++
			tc.ReadyStepIDs = append(tc.ReadyStepIDs, r.WorkflowStepID)
		}
	}
	sort.Slice(tc.ReadyStepIDs, func(i, j int) bool { return tc.ReadyStepIDs[i] < tc.ReadyStepIDs[j] })

	tc.ExecutionStatus, tc.RecommendedAction = classify(tc)
	tc.HealthStatus = health(tc)

	if tc.TotalSteps == 0 {
		tc.CompletionPercentage = 0.0
	} else {
		tc.CompletionPercentage = 100 * float64(tc.CompletedSteps) / float64(tc.TotalSteps)
	}
	return tc
}

// classify applies the §4.1 rule table in its documented order — the order
// is significant: ready_steps > 0 wins even when in_progress_steps is also
// > 0 (simultaneous batches), and so on down the table.
func classify(tc *TaskExecutionContext) (ExecutionStatus, RecommendedAction) {
	switch {
	case tc.ReadySteps > 0:
		return StatusHasReadySteps, ActionExecuteReadySteps
	case tc.InProgressSteps > 0:
		return StatusProcessing, ActionWaitForCompletion
	case tc.FailedSteps > 0 && tc.ReadySteps == 0:
		return StatusBlockedByFailures, ActionHandleFailures
	case tc.TotalSteps > 0 && tc.CompletedSteps == tc.TotalSteps:
		return StatusAllComplete, ActionFinalizeTask
	case tc.TotalSteps == 0:
		return StatusAllComplete, ActionFinalizeTask
	default:
		return StatusWaitingForDeps, ActionWaitForDependencies
	}
}

func health(tc *TaskExecutionContext) HealthStatus {
	switch {
	case tc.FailedSteps == 0:
		return HealthHealthy
	case tc.FailedSteps > 0 && tc.ReadySteps > 0:
		return HealthRecovering
	case tc.FailedSteps > 0 && tc.ReadySteps == 0:
		return HealthBlocked
	default:
		return HealthUnknown
	}
}

// WorkflowSummary extends ExecutionContext with DAG-shape fields for
// TaskWorkflowSummary (§4.1).
func (p *Provider) WorkflowSummary(ctx context.Context, taskID int64) (*TaskWorkflowSummary, error) {
	readinesses, err := p.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	edges, err := p.repo.GetEdgesByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load edges for summary: %w", err)
	}

	hasParent := make(map[int64]bool)
	for _, e := range edges {
		hasParent[e.ToStepID] = true
	}

	summary := &TaskWorkflowSummary{TaskExecutionContext: *aggregate(taskID, readinesses)}
	for _, r := range readinesses {
		if !hasParent[r.WorkflowStepID] {
			summary.RootStepIDs = append(summary.RootStepIDs, r.WorkflowStepID)
		}
	}
	sort.Slice(summary.RootStepIDs, func(i, j int) bool { return summary.RootStepIDs[i] < summary.RootStepIDs[j] })
	summary.RootStepCount = len(summary.RootStepIDs)

	summary.WorkflowEfficiency = workflowEfficiency(&summary.TaskExecutionContext)
	summary.ParallelismPotential = parallelismPotential(&summary.TaskExecutionContext)
	return summary, nil
}

func workflowEfficiency(tc *TaskExecutionContext) WorkflowEfficiency {
	switch tc.ExecutionStatus {
	case StatusAllComplete:
		return EfficiencyOptimal
	case StatusBlockedByFailures:
		return EfficiencyBlocked
	case StatusProcessing:
		return EfficiencyProcessing
	case StatusWaitingForDeps:
		return EfficiencyWaiting
	default:
		if tc.HealthStatus == HealthRecovering {
			return EfficiencyRecovering
		}
		return EfficiencyOptimal
	}
}

func parallelismPotential(tc *TaskExecutionContext) ParallelismPotential {
	switch {
	case tc.ReadySteps == 0:
		return ParallelismNone
	case tc.ReadySteps == 1:
		return ParallelismSequential
	case tc.ReadySteps >= 4:
		return ParallelismHigh
	default:
		return ParallelismModerate
	}
}
