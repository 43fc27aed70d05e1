// Package models defines Tasker's durable entities (C1): namespaces, named
// tasks/steps, live tasks, workflow steps, edges, and their transition
// history.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// TaskStatus is the canonical set of task-level states (§4.2).
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskInProgress       TaskStatus = "in_progress"
	TaskComplete         TaskStatus = "complete"
	TaskError            TaskStatus = "error"
	TaskCancelled        TaskStatus = "cancelled"
	TaskResolvedManually TaskStatus = "resolved_manually"
)

// Terminal reports whether a task status cannot transition further under
// normal operation.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskComplete, TaskResolvedManually, TaskError, TaskCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the canonical set of workflow-step states.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepInProgress       StepStatus = "in_progress"
	StepComplete         StepStatus = "complete"
	StepFailed           StepStatus = "failed"
	StepCancelled        StepStatus = "cancelled"
	StepResolvedManually StepStatus = "resolved_manually"
)

// Complete matches: a step is complete iff in {complete, resolved_manually}.
func (s StepStatus) Complete() bool {
	return s == StepComplete || s == StepResolvedManually
}

// Namespace groups named task definitions. Unique on Name.
type Namespace struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// NamedTask is a task template, unique on (namespace_id, name, version).
type NamedTask struct {
	ID          int64     `db:"id" json:"id"`
	NamespaceID int64     `db:"namespace_id" json:"namespace_id"`
	Name        string    `db:"name" json:"name"`
	Version     string    `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// NamedStep is a step template attached to a dependent system, unique on
// (dependent_system, name).
type NamedStep struct {
	ID              int64     `db:"id" json:"id"`
	DependentSystem string    `db:"dependent_system" json:"dependent_system"`
	Name            string    `db:"name" json:"name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// TaskRequest is the external shape from which a Task is materialized (§6).
type TaskRequest struct {
	Name         string                 `json:"name" validate:"required,max=64"`
	Namespace    string                 `json:"namespace,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Context      map[string]interface{} `json:"context" validate:"required"`
	Initiator    string                 `json:"initiator,omitempty"`
	SourceSystem string                 `json:"source_system,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	BypassSteps  []string               `json:"bypass_steps,omitempty"`
}

// Task is a live workflow instance (§3).
type Task struct {
	TaskID        int64                  `db:"task_id" json:"task_id"`
	NamedTaskID   int64                  `db:"named_task_id" json:"named_task_id"`
	IdentityHash  string                 `db:"identity_hash" json:"identity_hash"`
	Context       map[string]interface{} `db:"-" json:"context"`
	ContextJSON   []byte                 `db:"context" json:"-"`
	Tags          []string               `db:"-" json:"tags,omitempty"`
	TagsJSON      []byte                 `db:"tags" json:"-"`
	Reason        string                 `db:"reason" json:"reason,omitempty"`
	Initiator     string                 `db:"initiator" json:"initiator,omitempty"`
	SourceSystem  string                 `db:"source_system" json:"source_system,omitempty"`
	RequestedAt   time.Time              `db:"requested_at" json:"requested_at"`
	BypassSteps   []string               `db:"-" json:"bypass_steps,omitempty"`
	BypassJSON    []byte                 `db:"bypass_steps" json:"-"`
	CurrentStatus TaskStatus             `db:"current_status" json:"current_status"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at" json:"updated_at"`
}

// MarshalContext flattens the Context/Tags/BypassSteps maps into their JSON
// column representations ahead of a write.
func (t *Task) MarshalContext() error {
	var err error
	if t.ContextJSON, err = json.Marshal(t.Context); err != nil {
		return err
	}
	if t.TagsJSON, err = json.Marshal(t.Tags); err != nil {
		return err
	}
	if t.BypassJSON, err = json.Marshal(t.BypassSteps); err != nil {
		return err
	}
	return nil
}

// UnmarshalContext populates Context/Tags/BypassSteps from their JSON column
// representations after a read.
func (t *Task) UnmarshalContext() error {
	if len(t.ContextJSON) > 0 {
		if err := json.Unmarshal(t.ContextJSON, &t.Context); err != nil {
			return err
		}
	}
	if len(t.TagsJSON) > 0 {
		if err := json.Unmarshal(t.TagsJSON, &t.Tags); err != nil {
			return err
		}
	}
	if len(t.BypassJSON) > 0 {
		if err := json.Unmarshal(t.BypassJSON, &t.BypassSteps); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowStep is a node in a task's DAG (§3).
type WorkflowStep struct {
	WorkflowStepID        int64                  `db:"workflow_step_id" json:"workflow_step_id"`
	TaskID                int64                  `db:"task_id" json:"task_id"`
	NamedStepID           int64                  `db:"named_step_id" json:"named_step_id"`
	Inputs                map[string]interface{} `db:"-" json:"inputs"`
	InputsJSON            []byte                 `db:"inputs" json:"-"`
	Results               map[string]interface{} `db:"-" json:"results,omitempty"`
	ResultsJSON           []byte                 `db:"results" json:"-"`
	Attempts              int                    `db:"attempts" json:"attempts"`
	RetryLimit            int                    `db:"retry_limit" json:"retry_limit"`
	Retryable             bool                   `db:"retryable" json:"retryable"`
	Skippable             bool                   `db:"skippable" json:"skippable"`
	BackoffRequestSeconds *int                   `db:"backoff_request_seconds" json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time             `db:"last_attempted_at" json:"last_attempted_at,omitempty"`
	LastFailureTime       *time.Time             `db:"last_failure_time" json:"last_failure_time,omitempty"`
	ProcessedAt           *time.Time             `db:"processed_at" json:"processed_at,omitempty"`
	Processed             bool                   `db:"processed" json:"processed"`
	InProcess             bool                   `db:"in_process" json:"in_process"`
	CurrentState          StepStatus             `db:"current_state" json:"current_state"`
	CreatedAt             time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time              `db:"updated_at" json:"updated_at"`
}

// NewWorkflowStep applies the defaults prescribed in §3: retry_limit 3,
// retryable true, skippable false.
func NewWorkflowStep(taskID, namedStepID int64) *WorkflowStep {
	return &WorkflowStep{
		TaskID:       taskID,
		NamedStepID:  namedStepID,
		Inputs:       map[string]interface{}{},
		RetryLimit:   3,
		Retryable:    true,
		Skippable:    false,
		CurrentState: StepPending,
	}
}

func (s *WorkflowStep) MarshalJSONColumns() error {
	var err error
	if s.InputsJSON, err = json.Marshal(s.Inputs); err != nil {
		return err
	}
	if s.ResultsJSON, err = json.Marshal(s.Results); err != nil {
		return err
	}
	return nil
}

func (s *WorkflowStep) UnmarshalJSONColumns() error {
	if len(s.InputsJSON) > 0 {
		if err := json.Unmarshal(s.InputsJSON, &s.Inputs); err != nil {
			return err
		}
	}
	if len(s.ResultsJSON) > 0 {
		if err := json.Unmarshal(s.ResultsJSON, &s.Results); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowStepEdge is a directed producer→consumer edge within a task's DAG.
type WorkflowStepEdge struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     int64     `db:"task_id" json:"task_id"`
	FromStepID int64     `db:"from_step_id" json:"from_step_id"`
	ToStepID   int64     `db:"to_step_id" json:"to_step_id"`
	Name       string    `db:"name" json:"name"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// DefaultEdgeName is applied when a caller does not specify one.
const DefaultEdgeName = "provides"

// TaskTransition is an append-only row in a task's transition history.
type TaskTransition struct {
	ID           int64                  `db:"id" json:"id"`
	TaskID       int64                  `db:"task_id" json:"task_id"`
	FromState    *TaskStatus            `db:"from_state" json:"from_state,omitempty"`
	ToState      TaskStatus             `db:"to_state" json:"to_state"`
	MostRecent   bool                   `db:"most_recent" json:"most_recent"`
	Metadata     map[string]interface{} `db:"-" json:"metadata,omitempty"`
	MetadataJSON []byte                 `db:"metadata" json:"-"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
}

// WorkflowStepTransition is an append-only row in a step's transition history.
type WorkflowStepTransition struct {
	ID             int64                  `db:"id" json:"id"`
	WorkflowStepID int64                  `db:"workflow_step_id" json:"workflow_step_id"`
	FromState      *StepStatus            `db:"from_state" json:"from_state,omitempty"`
	ToState        StepStatus             `db:"to_state" json:"to_state"`
	MostRecent     bool                   `db:"most_recent" json:"most_recent"`
	Metadata       map[string]interface{} `db:"-" json:"metadata,omitempty"`
	MetadataJSON   []byte                 `db:"metadata" json:"-"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
}

// TransitionMetadata captures the triggering component and correlation id
// recorded with every transition row (§4.2).
type TransitionMetadata struct {
	TriggeringComponent string                 `json:"triggering_component" mapstructure:"triggering_component"`
	CorrelationID       string                 `json:"correlation_id,omitempty" mapstructure:"correlation_id"`
	Context             map[string]interface{} `json:"context,omitempty" mapstructure:"context"`
}

// ToMap decodes into a free-form map so callers can pass either a typed
// TransitionMetadata or a plain map into the transition helpers.
func (m TransitionMetadata) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"triggering_component": m.TriggeringComponent,
	}
	if m.CorrelationID != "" {
		out["correlation_id"] = m.CorrelationID
	}
	if m.Context != nil {
		out["context"] = m.Context
	}
	return out
}

// TransitionMetadataFromMap is ToMap's inverse: subscribers receiving a raw
// transition row decode its metadata map back into the typed shape.
func TransitionMetadataFromMap(m map[string]interface{}) (TransitionMetadata, error) {
	var out TransitionMetadata
	if err := mapstructure.Decode(m, &out); err != nil {
		return TransitionMetadata{}, fmt.Errorf("decode transition metadata: %w", err)
	}
	return out, nil
}
