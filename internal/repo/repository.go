// Package repo is Tasker's durable store (C1): sqlx + lib/pq access to
// tasks, workflow steps, edges, and their append-only transition history.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/models"
)

// Repository provides data access operations over the durable store.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to Postgres and tunes the pool the way long-lived
// orchestrator workers need: short-lived, frequent connections rather than
// few, long transactions (§5 shared-resource policy).
func New(databaseURL string, logger *zap.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to durable store: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{db: db, logger: logger}, nil
}

func (r *Repository) Close() error { return r.db.Close() }
func (r *Repository) Ping() error  { return r.db.Ping() }

func (r *Repository) GetStats() sql.DBStats { return r.db.Stats() }

// --- Namespaces / named tasks / named steps -------------------------------

func (r *Repository) GetOrCreateNamespace(ctx context.Context, name string) (*models.Namespace, error) {
	var ns models.Namespace
	err := r.db.GetContext(ctx, &ns, `SELECT * FROM task_namespaces WHERE name = $1`, name)
	if err == nil {
		return &ns, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup namespace: %w", err)
	}
	err = r.db.GetContext(ctx, &ns, `
		INSERT INTO task_namespaces (name, created_at) VALUES ($1, now())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING *`, name)
	if err != nil {
		return nil, fmt.Errorf("create namespace: %w", err)
	}
	return &ns, nil
}

func (r *Repository) GetOrCreateNamedTask(ctx context.Context, namespaceID int64, name, version string) (*models.NamedTask, error) {
	var nt models.NamedTask
	err := r.db.GetContext(ctx, &nt, `
		SELECT * FROM named_tasks WHERE namespace_id = $1 AND name = $2 AND version = $3`,
		namespaceID, name, version)
	if err == nil {
		return &nt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup named task: %w", err)
	}
	err = r.db.GetContext(ctx, &nt, `
		INSERT INTO named_tasks (namespace_id, name, version, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace_id, name, version) DO UPDATE SET name = EXCLUDED.name
		RETURNING *`, namespaceID, name, version)
	if err != nil {
		return nil, fmt.Errorf("create named task: %w", err)
	}
	return &nt, nil
}

func (r *Repository) GetNamedStep(ctx context.Context, namedStepID int64) (*models.NamedStep, error) {
	var s models.NamedStep
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM named_steps WHERE id = $1`, namedStepID); err != nil {
		return nil, fmt.Errorf("get named step %d: %w", namedStepID, err)
	}
	return &s, nil
}

func (r *Repository) GetOrCreateNamedStep(ctx context.Context, dependentSystem, name string) (*models.NamedStep, error) {
	var s models.NamedStep
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM named_steps WHERE dependent_system = $1 AND name = $2`, dependentSystem, name)
	if err == nil {
		return &s, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup named step: %w", err)
	}
	err = r.db.GetContext(ctx, &s, `
		INSERT INTO named_steps (dependent_system, name, created_at) VALUES ($1, $2, now())
		ON CONFLICT (dependent_system, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING *`, dependentSystem, name)
	if err != nil {
		return nil, fmt.Errorf("create named step: %w", err)
	}
	return &s, nil
}

func (r *Repository) GetNamedStepsForTask(ctx context.Context, namedTaskID int64) ([]*models.NamedStep, error) {
	var steps []*models.NamedStep
	err := r.db.SelectContext(ctx, &steps, `
		SELECT ns.* FROM named_steps ns
		JOIN named_task_steps nts ON nts.named_step_id = ns.id
		WHERE nts.named_task_id = $1
		ORDER BY ns.id`, namedTaskID)
	if err != nil {
		return nil, fmt.Errorf("load step templates: %w", err)
	}
	return steps, nil
}

// --- Tasks ------------------------------------------------------------------

func (r *Repository) FindTaskByIdentityHash(ctx context.Context, hash string) (*models.Task, error) {
	var t models.Task
	err := r.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE identity_hash = $1`, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup task by identity hash: %w", err)
	}
	if err := t.UnmarshalContext(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) CreateTask(ctx context.Context, t *models.Task) error {
	if err := t.MarshalContext(); err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	query := `
		INSERT INTO tasks (named_task_id, identity_hash, context, tags, reason, initiator,
			source_system, requested_at, bypass_steps, current_status, created_at, updated_at)
		VALUES (:named_task_id, :identity_hash, :context, :tags, :reason, :initiator,
			:source_system, :requested_at, :bypass_steps, :current_status, now(), now())
		RETURNING task_id, created_at, updated_at`
	rows, err := r.db.NamedQueryContext(ctx, query, t)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&t.TaskID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return fmt.Errorf("scan inserted task: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var t models.Task
	if err := r.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	if err := t.UnmarshalContext(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListTasks(ctx context.Context, limit, offset int, sortBy, sortOrder string) ([]*models.Task, error) {
	query := fmt.Sprintf(`SELECT * FROM tasks ORDER BY %s %s LIMIT $1 OFFSET $2`, sortBy, sortOrder)
	var tasks []*models.Task
	if err := r.db.SelectContext(ctx, &tasks, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if err := t.UnmarshalContext(); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (r *Repository) UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET current_status = $1, updated_at = now() WHERE task_id = $2`, status, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// UpdatePatchableTaskFields applies the only two task fields the HTTP PATCH
// surface is allowed to touch (§6).
func (r *Repository) UpdatePatchableTaskFields(ctx context.Context, taskID int64, reason string, tags []string) error {
	t := &models.Task{Reason: reason, Tags: tags}
	if err := t.MarshalContext(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET reason = $1, tags = $2, updated_at = now() WHERE task_id = $3`,
		reason, t.TagsJSON, taskID)
	if err != nil {
		return fmt.Errorf("patch task: %w", err)
	}
	return nil
}

// --- Workflow steps ----------------------------------------------------------

func (r *Repository) CreateWorkflowSteps(ctx context.Context, steps []*models.WorkflowStep) error {
	for _, s := range steps {
		if err := s.MarshalJSONColumns(); err != nil {
			return err
		}
		query := `
			INSERT INTO workflow_steps (task_id, named_step_id, inputs, results, attempts, retry_limit,
				retryable, skippable, backoff_request_seconds, current_state, created_at, updated_at)
			VALUES (:task_id, :named_step_id, :inputs, :results, :attempts, :retry_limit,
				:retryable, :skippable, :backoff_request_seconds, :current_state, now(), now())
			RETURNING workflow_step_id, created_at, updated_at`
		rows, err := r.db.NamedQueryContext(ctx, query, s)
		if err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}
		if rows.Next() {
			if err := rows.Scan(&s.WorkflowStepID, &s.CreatedAt, &s.UpdatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan inserted step: %w", err)
			}
		}
		rows.Close()
	}
	return nil
}

func (r *Repository) GetWorkflowStep(ctx context.Context, stepID int64) (*models.WorkflowStep, error) {
	var s models.WorkflowStep
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM workflow_steps WHERE workflow_step_id = $1`, stepID); err != nil {
		return nil, fmt.Errorf("get step %d: %w", stepID, err)
	}
	if err := s.UnmarshalJSONColumns(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetWorkflowStepsByTask(ctx context.Context, taskID int64) ([]*models.WorkflowStep, error) {
	var steps []*models.WorkflowStep
	err := r.db.SelectContext(ctx, &steps,
		`SELECT * FROM workflow_steps WHERE task_id = $1 ORDER BY workflow_step_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps for task %d: %w", taskID, err)
	}
	for _, s := range steps {
		if err := s.UnmarshalJSONColumns(); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// SaveStepAttempt persists save-first data: attempts, last_attempted_at,
// in_process. The executor calls it right after the step's transition to
// in_progress and before the handler runs (§4.5 step 2).
func (r *Repository) SaveStepAttempt(ctx context.Context, s *models.WorkflowStep) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET attempts = $1, last_attempted_at = $2, in_process = $3, updated_at = now()
		WHERE workflow_step_id = $4`,
		s.Attempts, s.LastAttemptedAt, s.InProcess, s.WorkflowStepID)
	if err != nil {
		return fmt.Errorf("save step attempt: %w", err)
	}
	return nil
}

// SaveStepSuccess persists results/processed ahead of the in_progress→complete
// transition (§4.5 step 4.1 — save-first, then transition).
func (r *Repository) SaveStepSuccess(ctx context.Context, s *models.WorkflowStep) error {
	if err := s.MarshalJSONColumns(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET results = $1, processed = true, processed_at = $2, in_process = false, updated_at = now()
		WHERE workflow_step_id = $3`,
		s.ResultsJSON, s.ProcessedAt, s.WorkflowStepID)
	if err != nil {
		return fmt.Errorf("save step success: %w", err)
	}
	return nil
}

// SaveStepFailure persists error data and any server-requested backoff ahead
// of the in_progress→failed transition (§4.5 step 5.1).
func (r *Repository) SaveStepFailure(ctx context.Context, s *models.WorkflowStep) error {
	if err := s.MarshalJSONColumns(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET results = $1, backoff_request_seconds = $2, last_failure_time = $3, retryable = $4, in_process = false, updated_at = now()
		WHERE workflow_step_id = $5`,
		s.ResultsJSON, s.BackoffRequestSeconds, s.LastFailureTime, s.Retryable, s.WorkflowStepID)
	if err != nil {
		return fmt.Errorf("save step failure: %w", err)
	}
	return nil
}

func (r *Repository) UpdateWorkflowStepState(ctx context.Context, stepID int64, state models.StepStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_steps SET current_state = $1, updated_at = now() WHERE workflow_step_id = $2`,
		state, stepID)
	if err != nil {
		return fmt.Errorf("update step state: %w", err)
	}
	return nil
}

// UpdatePatchableStepFields applies the only fields the HTTP PATCH surface
// may touch on a step: retry_limit and inputs (§6).
func (r *Repository) UpdatePatchableStepFields(ctx context.Context, stepID int64, retryLimit int, inputs map[string]interface{}) error {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE workflow_steps SET retry_limit = $1, inputs = $2, updated_at = now() WHERE workflow_step_id = $3`,
		retryLimit, inputsJSON, stepID)
	if err != nil {
		return fmt.Errorf("patch step: %w", err)
	}
	return nil
}

// --- Edges -------------------------------------------------------------------

func (r *Repository) CreateEdge(ctx context.Context, e *models.WorkflowStepEdge) error {
	if e.Name == "" {
		e.Name = models.DefaultEdgeName
	}
	err := r.db.GetContext(ctx, e, `
		INSERT INTO workflow_step_edges (task_id, from_step_id, to_step_id, name, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at`, e.TaskID, e.FromStepID, e.ToStepID, e.Name)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (r *Repository) GetEdgesByTask(ctx context.Context, taskID int64) ([]*models.WorkflowStepEdge, error) {
	var edges []*models.WorkflowStepEdge
	err := r.db.SelectContext(ctx, &edges,
		`SELECT * FROM workflow_step_edges WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list edges for task %d: %w", taskID, err)
	}
	return edges, nil
}

// --- Transitions ---------------------------------------------------------

// InsertTaskTransition flips the previous most_recent row off and inserts
// the new one. It runs inside a short transaction, per §5's "every
// transaction that mutates a task or its steps must be short".
func (r *Repository) InsertTaskTransition(ctx context.Context, tr *models.TaskTransition) error {
	metaJSON, err := marshalJSON(tr.Metadata)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_transitions SET most_recent = false WHERE task_id = $1 AND most_recent = true`,
		tr.TaskID); err != nil {
		return fmt.Errorf("clear previous most_recent: %w", err)
	}

	err = tx.GetContext(ctx, tr, `
		INSERT INTO task_transitions (task_id, from_state, to_state, most_recent, metadata, created_at)
		VALUES ($1, $2, $3, true, $4, now())
		RETURNING id, created_at`, tr.TaskID, tr.FromState, tr.ToState, metaJSON)
	if err != nil {
		return fmt.Errorf("insert task transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

func (r *Repository) GetMostRecentTaskTransition(ctx context.Context, taskID int64) (*models.TaskTransition, error) {
	var tr models.TaskTransition
	err := r.db.GetContext(ctx, &tr,
		`SELECT * FROM task_transitions WHERE task_id = $1 AND most_recent = true`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get most recent task transition: %w", err)
	}
	return &tr, nil
}

// InsertStepTransition mirrors InsertTaskTransition for workflow steps.
func (r *Repository) InsertStepTransition(ctx context.Context, tr *models.WorkflowStepTransition) error {
	metaJSON, err := marshalJSON(tr.Metadata)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_step_transitions SET most_recent = false WHERE workflow_step_id = $1 AND most_recent = true`,
		tr.WorkflowStepID); err != nil {
		return fmt.Errorf("clear previous most_recent: %w", err)
	}

	err = tx.GetContext(ctx, tr, `
		INSERT INTO workflow_step_transitions (workflow_step_id, from_state, to_state, most_recent, metadata, created_at)
		VALUES ($1, $2, $3, true, $4, now())
		RETURNING id, created_at`, tr.WorkflowStepID, tr.FromState, tr.ToState, metaJSON)
	if err != nil {
		return fmt.Errorf("insert step transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

func (r *Repository) GetMostRecentStepTransition(ctx context.Context, stepID int64) (*models.WorkflowStepTransition, error) {
	var tr models.WorkflowStepTransition
	err := r.db.GetContext(ctx, &tr,
		`SELECT * FROM workflow_step_transitions WHERE workflow_step_id = $1 AND most_recent = true`, stepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get most recent step transition: %w", err)
	}
	return &tr, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}
