package eventbus

import (
	"time"

	"github.com/tidwall/sjson"
)

// StepPayload is the standardized shape for every step.* event (§4.3).
// ExecutionMillis is populated only on step.completed; the error fields
// only on step.failed.
type StepPayload struct {
	TaskID          int64     `json:"task_id"`
	StepID          int64     `json:"step_id"`
	StepName        string    `json:"step_name"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	AttemptNumber   int       `json:"attempt_number"`
	RetryLimit      int       `json:"retry_limit"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	ExecutionMillis int64     `json:"execution_duration_ms,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ExceptionClass  string    `json:"exception_class,omitempty"`
	Backtrace       string    `json:"backtrace,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
}

// JSON renders the payload field-by-field with sjson rather than a single
// json.Marshal, so only the fields actually set are written and the
// zero-value omissions above stay in sync with what's emitted downstream
// (subscribers that tail this JSON, rather than the Go struct, are common
// among observability exporters).
func (p StepPayload) JSON() (string, error) {
	s := "{}"
	var err error
	set := func(path string, v interface{}) {
		if err != nil {
			return
		}
		s, err = sjson.Set(s, path, v)
	}
	set("task_id", p.TaskID)
	set("step_id", p.StepID)
	set("step_name", p.StepName)
	set("started_at", p.StartedAt.Format(time.RFC3339Nano))
	set("attempt_number", p.AttemptNumber)
	set("retry_limit", p.RetryLimit)
	set("event_type", p.EventType)
	set("timestamp", p.Timestamp.Format(time.RFC3339Nano))
	if !p.CompletedAt.IsZero() {
		set("completed_at", p.CompletedAt.Format(time.RFC3339Nano))
	}
	if p.ExecutionMillis > 0 {
		set("execution_duration_ms", p.ExecutionMillis)
	}
	if p.ErrorMessage != "" {
		set("error_message", p.ErrorMessage)
		set("exception_class", p.ExceptionClass)
		if p.Backtrace != "" {
			set("backtrace", p.Backtrace)
		}
	}
	if p.CorrelationID != "" {
		set("correlation_id", p.CorrelationID)
	}
	return s, err
}

// BuildStepCompletedPayload implements §4.5 step 4.3: execution_duration is
// always the gap between last_attempted_at and processed_at.
func BuildStepCompletedPayload(taskID, stepID int64, stepName string, startedAt, completedAt time.Time, attempt, retryLimit int, correlationID string) StepPayload {
	return StepPayload{
		TaskID: taskID, StepID: stepID, StepName: stepName,
		StartedAt: startedAt, CompletedAt: completedAt,
		AttemptNumber: attempt, RetryLimit: retryLimit,
		EventType: EventStepCompleted, Timestamp: completedAt,
		ExecutionMillis: completedAt.Sub(startedAt).Milliseconds(),
		CorrelationID:   correlationID,
	}
}

// BuildStepFailedPayload implements §4.5 step 5.3.
func BuildStepFailedPayload(taskID, stepID int64, stepName string, startedAt time.Time, attempt, retryLimit int, errMessage, errClass, backtrace, correlationID string) StepPayload {
	return StepPayload{
		TaskID: taskID, StepID: stepID, StepName: stepName,
		StartedAt: startedAt, AttemptNumber: attempt, RetryLimit: retryLimit,
		EventType: EventStepFailed, Timestamp: time.Now(),
		ErrorMessage: errMessage, ExceptionClass: errClass, Backtrace: backtrace,
		CorrelationID: correlationID,
	}
}

// TaskPayload is the standardized shape for every task.* event (§4.3).
// TotalExecutionMillis and CurrentExecutionMillis are mutually
// exclusive: the former is set only when the task has reached a terminal
// state, the latter otherwise.
type TaskPayload struct {
	TaskID                   int64     `json:"task_id"`
	TaskName                 string    `json:"task_name"`
	StartedAt                time.Time `json:"started_at"`
	CompletedAt              time.Time `json:"completed_at,omitempty"`
	TotalExecutionMillis     int64     `json:"total_execution_duration_ms,omitempty"`
	CurrentExecutionMillis   int64     `json:"current_execution_duration_ms,omitempty"`
	TotalSteps               int       `json:"total_steps"`
	CompletedSteps           int       `json:"completed_steps"`
	FailedSteps              int       `json:"failed_steps"`
	PendingSteps             int       `json:"pending_steps"`
	CorrelationID            string    `json:"correlation_id,omitempty"`
}

// BuildTaskPayload fills in the terminal/non-terminal duration fields
// mutually exclusively, per §4.3.
func BuildTaskPayload(taskID int64, taskName string, startedAt time.Time, terminal bool, totalSteps, completedSteps, failedSteps, pendingSteps int, correlationID string) TaskPayload {
	p := TaskPayload{
		TaskID: taskID, TaskName: taskName, StartedAt: startedAt,
		TotalSteps: totalSteps, CompletedSteps: completedSteps,
		FailedSteps: failedSteps, PendingSteps: pendingSteps,
		CorrelationID: correlationID,
	}
	now := time.Now()
	if terminal {
		p.CompletedAt = now
		p.TotalExecutionMillis = now.Sub(startedAt).Milliseconds()
	} else {
		p.CurrentExecutionMillis = now.Sub(startedAt).Milliseconds()
	}
	return p
}

// OrchestrationPayload is the free-form shape for workflow.* events that
// aren't step- or task-shaped (discovery, iteration, reenqueue).
type OrchestrationPayload struct {
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func BuildOrchestrationPayload(eventType string, context map[string]interface{}, correlationID string) OrchestrationPayload {
	return OrchestrationPayload{
		EventType: eventType, Timestamp: time.Now(), Context: context, CorrelationID: correlationID,
	}
}
