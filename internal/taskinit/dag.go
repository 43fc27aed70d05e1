package taskinit

import (
	"fmt"

	"github.com/tasker-run/tasker/internal/models"
)

// ValidateAcyclic checks that adding candidate to the existing edge set of a
// task would not introduce a cycle (§3 inv. 3, §8 scenario 6). Adding
// candidate (from -> to) closes a cycle iff a path already exists from `to`
// back to `from` using only the existing edges.
func ValidateAcyclic(existing []*models.WorkflowStepEdge, candidate *models.WorkflowStepEdge) error {
	adjacency := make(map[int64][]int64, len(existing))
	for _, e := range existing {
		adjacency[e.FromStepID] = append(adjacency[e.FromStepID], e.ToStepID)
	}

	visited := make(map[int64]bool)
	var reaches func(node, target int64) bool
	reaches = func(node, target int64) bool {
		if node == target {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range adjacency[node] {
			if reaches(next, target) {
				return true
			}
		}
		return false
	}

	if reaches(candidate.ToStepID, candidate.FromStepID) {
		return fmt.Errorf("edge %d -> %d would introduce a cycle", candidate.FromStepID, candidate.ToStepID)
	}
	return nil
}
