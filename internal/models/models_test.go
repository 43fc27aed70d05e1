package models

import "testing"

func TestTaskStatusTerminal(t *testing.T) {
	cases := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskPending, false},
		{TaskInProgress, false},
		{TaskComplete, true},
		{TaskResolvedManually, true},
		{TaskError, true},
		{TaskCancelled, true},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.want {
			t.Errorf("%q.Terminal() = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestStepStatusComplete(t *testing.T) {
	cases := []struct {
		status StepStatus
		want   bool
	}{
		{StepPending, false},
		{StepInProgress, false},
		{StepFailed, false},
		{StepCancelled, false},
		{StepComplete, true},
		{StepResolvedManually, true},
	}
	for _, c := range cases {
		if got := c.status.Complete(); got != c.want {
			t.Errorf("%q.Complete() = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestNewWorkflowStepDefaults(t *testing.T) {
	s := NewWorkflowStep(10, 20)
	if s.TaskID != 10 || s.NamedStepID != 20 {
		t.Fatalf("unexpected ids: task=%d named_step=%d", s.TaskID, s.NamedStepID)
	}
	if s.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want 3", s.RetryLimit)
	}
	if !s.Retryable {
		t.Error("expected Retryable=true by default")
	}
	if s.Skippable {
		t.Error("expected Skippable=false by default")
	}
	if s.CurrentState != StepPending {
		t.Errorf("CurrentState = %q, want %q", s.CurrentState, StepPending)
	}
	if s.Inputs == nil {
		t.Error("expected Inputs to default to a non-nil empty map")
	}
}

func TestTaskMarshalUnmarshalContextRoundTrip(t *testing.T) {
	task := &Task{
		Context:     map[string]interface{}{"amount": float64(42)},
		Tags:        []string{"billing", "urgent"},
		BypassSteps: []string{"send_email"},
	}
	if err := task.MarshalContext(); err != nil {
		t.Fatalf("MarshalContext: %v", err)
	}

	restored := &Task{
		ContextJSON: task.ContextJSON,
		TagsJSON:    task.TagsJSON,
		BypassJSON:  task.BypassJSON,
	}
	if err := restored.UnmarshalContext(); err != nil {
		t.Fatalf("UnmarshalContext: %v", err)
	}
	if restored.Context["amount"] != float64(42) {
		t.Errorf("Context round-trip mismatch: %#v", restored.Context)
	}
	if len(restored.Tags) != 2 || restored.Tags[0] != "billing" {
		t.Errorf("Tags round-trip mismatch: %#v", restored.Tags)
	}
	if len(restored.BypassSteps) != 1 || restored.BypassSteps[0] != "send_email" {
		t.Errorf("BypassSteps round-trip mismatch: %#v", restored.BypassSteps)
	}
}

func TestTaskUnmarshalContextToleratesEmptyColumns(t *testing.T) {
	task := &Task{}
	if err := task.UnmarshalContext(); err != nil {
		t.Fatalf("unexpected error unmarshaling empty columns: %v", err)
	}
}

func TestWorkflowStepMarshalUnmarshalJSONColumnsRoundTrip(t *testing.T) {
	step := NewWorkflowStep(1, 2)
	step.Inputs = map[string]interface{}{"invoice_id": "inv-1"}
	step.Results = map[string]interface{}{"status": "ok"}

	if err := step.MarshalJSONColumns(); err != nil {
		t.Fatalf("MarshalJSONColumns: %v", err)
	}

	restored := &WorkflowStep{InputsJSON: step.InputsJSON, ResultsJSON: step.ResultsJSON}
	if err := restored.UnmarshalJSONColumns(); err != nil {
		t.Fatalf("UnmarshalJSONColumns: %v", err)
	}
	if restored.Inputs["invoice_id"] != "inv-1" {
		t.Errorf("Inputs round-trip mismatch: %#v", restored.Inputs)
	}
	if restored.Results["status"] != "ok" {
		t.Errorf("Results round-trip mismatch: %#v", restored.Results)
	}
}

func TestTransitionMetadataToMap(t *testing.T) {
	m := TransitionMetadata{TriggeringComponent: "executor", CorrelationID: "corr-1"}
	asMap := m.ToMap()
	if asMap["triggering_component"] != "executor" {
		t.Errorf("ToMap()[triggering_component] = %v, want %q", asMap["triggering_component"], "executor")
	}
	if asMap["correlation_id"] != "corr-1" {
		t.Errorf("ToMap()[correlation_id] = %v, want %q", asMap["correlation_id"], "corr-1")
	}

	bare := TransitionMetadata{}
	bareMap := bare.ToMap()
	if _, ok := bareMap["correlation_id"]; ok {
		t.Error("expected correlation_id to be omitted when empty")
	}
}

func TestTransitionMetadataFromMapRoundTrip(t *testing.T) {
	original := TransitionMetadata{
		TriggeringComponent: "finalizer",
		CorrelationID:       "corr-2",
		Context:             map[string]interface{}{"reason": "has_ready_steps"},
	}

	restored, err := TransitionMetadataFromMap(original.ToMap())
	if err != nil {
		t.Fatalf("TransitionMetadataFromMap: %v", err)
	}
	if restored.TriggeringComponent != "finalizer" {
		t.Errorf("TriggeringComponent = %q, want %q", restored.TriggeringComponent, "finalizer")
	}
	if restored.CorrelationID != "corr-2" {
		t.Errorf("CorrelationID = %q, want %q", restored.CorrelationID, "corr-2")
	}
	if restored.Context["reason"] != "has_ready_steps" {
		t.Errorf("Context round-trip mismatch: %#v", restored.Context)
	}
}

func TestTransitionMetadataFromMapToleratesUnknownKeys(t *testing.T) {
	restored, err := TransitionMetadataFromMap(map[string]interface{}{
		"triggering_component": "orchestrator",
		"recorded_by":          "some-other-writer",
	})
	if err != nil {
		t.Fatalf("TransitionMetadataFromMap: %v", err)
	}
	if restored.TriggeringComponent != "orchestrator" {
		t.Errorf("TriggeringComponent = %q, want %q", restored.TriggeringComponent, "orchestrator")
	}
}
