// Package taskinit is the TaskInitializer (§3 Lifecycle): given a
// TaskRequest and the named_task's step-template definitions, it
// materializes the Task row, every WorkflowStep, and every
// WorkflowStepEdge in one shot — steps are never added to a task after
// creation, only their state evolves. YAML task-handler configuration
// loading is explicitly out of scope (§1); callers resolve a
// WorkflowTemplate themselves (from whatever source they like) and hand it
// to Initialize.
package taskinit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/tasker-run/tasker/internal/cache"
	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/repo"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskerr"
)

// StepTemplate is one node in a named task's step-template DAG. Zero values
// keep the workflow-step defaults (retry_limit 3, retryable true); Retryable
// is a pointer so an unset field is distinguishable from an explicit false.
type StepTemplate struct {
	DependentSystem string
	Name            string
	DependsOn       []string // other StepTemplate.Name values within the same WorkflowTemplate
	EdgeName        string   // defaults to models.DefaultEdgeName
	Inputs          map[string]interface{}
	RetryLimit      int
	Retryable       *bool
	Skippable       bool
}

// WorkflowTemplate is the step/edge shape a named_task materializes into a
// Task's concrete WorkflowSteps.
type WorkflowTemplate struct {
	Steps []StepTemplate
}

// Initializer materializes Tasks from TaskRequests.
type Initializer struct {
	repo   *repo.Repository
	cache  cache.Cache
	bus    *eventbus.Bus
	tasks  *statemachine.TaskMachine
	steps  *statemachine.StepMachine
	logger *zap.Logger
}

func New(r *repo.Repository, c cache.Cache, bus *eventbus.Bus, tasks *statemachine.TaskMachine, steps *statemachine.StepMachine, logger *zap.Logger) *Initializer {
	return &Initializer{repo: r, cache: c, bus: bus, tasks: tasks, steps: steps, logger: logger.With(zap.String("component", "taskinit"))}
}

// Initialize validates req, resolves its namespace/named_task, enforces the
// identity-hash dedup window (§3 inv. 7), creates the Task row, and
// materializes every WorkflowStep and WorkflowStepEdge from tmpl. It emits
// task.initialize_requested on success (§3 Lifecycle).
func (i *Initializer) Initialize(ctx context.Context, req *models.TaskRequest, tmpl WorkflowTemplate, strategy models.IdentityStrategy) (*models.Task, []*models.WorkflowStep, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	namespaceName := req.Namespace
	if namespaceName == "" {
		namespaceName = "default"
	}
	version := req.Version
	if version == "" {
		version = "0.1.0"
	}

	ns, err := i.repo.GetOrCreateNamespace(ctx, namespaceName)
	if err != nil {
		return nil, nil, err
	}
	namedTask, err := i.repo.GetOrCreateNamedTask(ctx, ns.ID, req.Name, version)
	if err != nil {
		return nil, nil, err
	}

	requestedAt := time.Now()
	identityHash, err := i.resolveIdentity(ctx, req, namespaceName, version, requestedAt, strategy)
	if err != nil {
		return nil, nil, err
	}

	task := &models.Task{
		NamedTaskID:  namedTask.ID,
		IdentityHash: identityHash,
		Context:      req.Context,
		Tags:         req.Tags,
		Reason:       req.Reason,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		RequestedAt:  requestedAt,
		BypassSteps:  req.BypassSteps,
	}
	if err := i.repo.CreateTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	steps, err := i.materializeSteps(ctx, task, tmpl)
	if err != nil {
		return nil, nil, err
	}

	if _, err := i.tasks.TransitionTo(ctx, task, models.TaskPending, models.TransitionMetadata{
		TriggeringComponent: "taskinit.Initializer",
	}); err != nil {
		return nil, nil, fmt.Errorf("initialize task state: %w", err)
	}

	return task, steps, nil
}

func validateRequest(req *models.TaskRequest) error {
	if req.Name == "" {
		return &taskerr.ValidationError{Field: "name", Message: "is required"}
	}
	if len(req.Name) > 64 {
		return &taskerr.ValidationError{Field: "name", Message: "must be at most 64 characters"}
	}
	if req.Context == nil {
		return &taskerr.ValidationError{Field: "context", Message: "is required"}
	}
	return nil
}

// resolveIdentity computes the Task's identity_hash per §6's
// identity_strategy options and, for the hash strategy, enforces the dedup
// window (§3 inv. 7) via the Redis-backed claim in internal/cache.
func (i *Initializer) resolveIdentity(ctx context.Context, req *models.TaskRequest, namespace, version string, requestedAt time.Time, strategy models.IdentityStrategy) (string, error) {
	switch strategy {
	case models.IdentityHash:
		hash, err := models.ComputeIdentityHash(models.IdentityAttributes{
			Name: req.Name, Version: version, Namespace: namespace, Context: req.Context,
			Initiator: req.Initiator, SourceSystem: req.SourceSystem, Reason: req.Reason,
			RequestedAt: requestedAt,
		})
		if err != nil {
			return "", fmt.Errorf("compute identity hash: %w", err)
		}
		if existing, err := i.repo.FindTaskByIdentityHash(ctx, hash); err != nil {
			return "", err
		} else if existing != nil {
			return "", &taskerr.ValidationError{Field: "identity_hash", Message: "a task with this identity was already created within the dedup window"}
		}
		if i.cache != nil {
			claimed, err := cache.ClaimIdentity(ctx, i.cache, hash)
			if err != nil {
				return "", fmt.Errorf("claim identity hash: %w", err)
			}
			if !claimed {
				return "", &taskerr.ValidationError{Field: "identity_hash", Message: "a task with this identity was already created within the dedup window"}
			}
		}
		return hash, nil
	case models.IdentityCustom:
		return "", &taskerr.ConfigurationError{Message: "identity_strategy=custom requires a caller-supplied identity; none configured"}
	default:
		return uuid.NewString(), nil
	}
}

// stepFromTemplate builds the WorkflowStep a template describes, keeping
// the model defaults (retry_limit 3, retryable true) for any field the
// template leaves unset.
func stepFromTemplate(taskID, namedStepID int64, st StepTemplate) *models.WorkflowStep {
	step := models.NewWorkflowStep(taskID, namedStepID)
	if st.Inputs != nil {
		step.Inputs = st.Inputs
	}
	if st.RetryLimit > 0 {
		step.RetryLimit = st.RetryLimit
	}
	if st.Retryable != nil {
		step.Retryable = *st.Retryable
	}
	step.Skippable = st.Skippable
	return step
}

// materializeSteps creates every named_step/WorkflowStep and
// WorkflowStepEdge the template describes, validating acyclicity as it
// goes (§3 inv. 3).
func (i *Initializer) materializeSteps(ctx context.Context, task *models.Task, tmpl WorkflowTemplate) ([]*models.WorkflowStep, error) {
	steps := make([]*models.WorkflowStep, 0, len(tmpl.Steps))
	byName := make(map[string]*models.WorkflowStep, len(tmpl.Steps))

	for _, st := range tmpl.Steps {
		namedStep, err := i.repo.GetOrCreateNamedStep(ctx, st.DependentSystem, st.Name)
		if err != nil {
			return nil, err
		}
		step := stepFromTemplate(task.TaskID, namedStep.ID, st)
		steps = append(steps, step)
		byName[st.Name] = step
	}

	if err := i.repo.CreateWorkflowSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("materialize workflow steps: %w", err)
	}

	for _, step := range steps {
		if err := i.steps.Initialize(ctx, step, models.TransitionMetadata{TriggeringComponent: "taskinit.Initializer"}); err != nil {
			return nil, err
		}
	}

	var edges []*models.WorkflowStepEdge
	for _, st := range tmpl.Steps {
		consumer := byName[st.Name]
		for _, depName := range st.DependsOn {
			producer, ok := byName[depName]
			if !ok {
				return nil, &taskerr.ValidationError{Field: "depends_on", Message: fmt.Sprintf("step %q depends on unknown step %q", st.Name, depName)}
			}
			edgeName := st.EdgeName
			if edgeName == "" {
				edgeName = models.DefaultEdgeName
			}
			candidate := &models.WorkflowStepEdge{TaskID: task.TaskID, FromStepID: producer.WorkflowStepID, ToStepID: consumer.WorkflowStepID, Name: edgeName}
			if err := ValidateAcyclic(edges, candidate); err != nil {
				return nil, &taskerr.ValidationError{Field: "depends_on", Message: err.Error()}
			}
			if err := i.repo.CreateEdge(ctx, candidate); err != nil {
				return nil, fmt.Errorf("create edge: %w", err)
			}
			edges = append(edges, candidate)
		}
	}

	return steps, nil
}
