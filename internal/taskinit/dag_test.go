package taskinit

import (
	"testing"

	"github.com/tasker-run/tasker/internal/models"
)

func edge(from, to int64) *models.WorkflowStepEdge {
	return &models.WorkflowStepEdge{FromStepID: from, ToStepID: to}
}

func TestValidateAcyclicAllowsNewRoot(t *testing.T) {
	existing := []*models.WorkflowStepEdge{edge(1, 2)}
	if err := ValidateAcyclic(existing, edge(3, 4)); err != nil {
		t.Fatalf("unexpected error for an unrelated edge: %v", err)
	}
}

func TestValidateAcyclicAllowsExtendingChain(t *testing.T) {
	existing := []*models.WorkflowStepEdge{edge(1, 2), edge(2, 3)}
	if err := ValidateAcyclic(existing, edge(3, 4)); err != nil {
		t.Fatalf("unexpected error extending a chain: %v", err)
	}
}

func TestValidateAcyclicRejectsDirectCycle(t *testing.T) {
	existing := []*models.WorkflowStepEdge{edge(1, 2)}
	if err := ValidateAcyclic(existing, edge(2, 1)); err == nil {
		t.Fatal("expected an error for a direct two-node cycle")
	}
}

func TestValidateAcyclicRejectsIndirectCycle(t *testing.T) {
	existing := []*models.WorkflowStepEdge{edge(1, 2), edge(2, 3), edge(3, 4)}
	if err := ValidateAcyclic(existing, edge(4, 1)); err == nil {
		t.Fatal("expected an error for an indirect cycle closing a chain of length 4")
	}
}

func TestValidateAcyclicAllowsDiamondConvergence(t *testing.T) {
	existing := []*models.WorkflowStepEdge{edge(1, 2), edge(1, 3)}
	if err := ValidateAcyclic(existing, edge(2, 4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	existing = append(existing, edge(2, 4))
	if err := ValidateAcyclic(existing, edge(3, 4)); err != nil {
		t.Fatalf("unexpected error converging two branches onto the same node: %v", err)
	}
}

func TestValidateAcyclicRejectsSelfLoop(t *testing.T) {
	existing := []*models.WorkflowStepEdge{}
	if err := ValidateAcyclic(existing, edge(1, 1)); err == nil {
		t.Fatal("expected an error for a self-loop edge")
	}
}
