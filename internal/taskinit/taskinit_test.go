package taskinit

import (
	"testing"
)

func TestStepFromTemplateKeepsDefaultsForUnsetFields(t *testing.T) {
	step := stepFromTemplate(1, 2, StepTemplate{DependentSystem: "http", Name: "charge_card"})

	if step.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want the default 3", step.RetryLimit)
	}
	if !step.Retryable {
		t.Error("an unset Retryable must keep the default true")
	}
	if step.Skippable {
		t.Error("expected Skippable=false by default")
	}
	if step.Inputs == nil {
		t.Error("expected Inputs to default to a non-nil empty map")
	}
}

func TestStepFromTemplateAppliesExplicitOverrides(t *testing.T) {
	retryable := false
	step := stepFromTemplate(1, 2, StepTemplate{
		DependentSystem: "http",
		Name:            "send_email",
		RetryLimit:      5,
		Retryable:       &retryable,
		Skippable:       true,
		Inputs:          map[string]interface{}{"template": "welcome"},
	})

	if step.RetryLimit != 5 {
		t.Errorf("RetryLimit = %d, want 5", step.RetryLimit)
	}
	if step.Retryable {
		t.Error("an explicit Retryable=false must override the default")
	}
	if !step.Skippable {
		t.Error("expected Skippable=true when set")
	}
	if step.Inputs["template"] != "welcome" {
		t.Errorf("Inputs not applied: %#v", step.Inputs)
	}
}
