package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/readiness"
)

// handlePerformance aggregates TaskWorkflowSummary across the most recent
// tasks into the scheduler-style stats shape the teacher's
// GetSchedulerStats returns (§6 analytics surface).
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	tasks, err := s.repo.ListTasks(r.Context(), limit, 0, "task_id", "desc")
	if err != nil {
		s.logger.Error("list tasks for performance analytics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	statusCounts := make(map[string]int)
	efficiencyCounts := make(map[string]int)
	totalCompletion := 0.0

	for _, task := range tasks {
		summary, err := s.readiness.WorkflowSummary(r.Context(), task.TaskID)
		if err != nil {
			s.logger.Warn("workflow summary failed", zap.Error(err), zap.Int64("task_id", task.TaskID))
			continue
		}
		statusCounts[string(task.CurrentStatus)]++
		efficiencyCounts[string(summary.WorkflowEfficiency)]++
		totalCompletion += summary.CompletionPercentage
	}

	avgCompletion := 0.0
	if len(tasks) > 0 {
		avgCompletion = totalCompletion / float64(len(tasks))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_tasks":               len(tasks),
		"status_counts":             statusCounts,
		"workflow_efficiency_counts": efficiencyCounts,
		"average_completion_percentage": avgCompletion,
	})
}

// handleBottlenecks surfaces tasks whose health is recovering or blocked —
// the ones an operator should look at first.
func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	tasks, err := s.repo.ListTasks(r.Context(), limit, 0, "task_id", "desc")
	if err != nil {
		s.logger.Error("list tasks for bottleneck analytics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type bottleneck struct {
		TaskID       int64                   `json:"task_id"`
		HealthStatus readiness.HealthStatus  `json:"health_status"`
		FailedSteps  int                     `json:"failed_steps"`
		ReadySteps   int                     `json:"ready_steps"`
	}

	var bottlenecks []bottleneck
	for _, task := range tasks {
		tc, err := s.readiness.ExecutionContext(r.Context(), task.TaskID)
		if err != nil {
			s.logger.Warn("execution context failed", zap.Error(err), zap.Int64("task_id", task.TaskID))
			continue
		}
		if tc.HealthStatus == readiness.HealthBlocked || tc.HealthStatus == readiness.HealthRecovering {
			bottlenecks = append(bottlenecks, bottleneck{
				TaskID: task.TaskID, HealthStatus: tc.HealthStatus,
				FailedSteps: tc.FailedSteps, ReadySteps: tc.ReadySteps,
			})
		}
	}

	writeJSON(w, http.StatusOK, bottlenecks)
}
