package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/eventbus"
	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/statemachine"
	"github.com/tasker-run/tasker/internal/taskerr"
	"github.com/tasker-run/tasker/internal/taskinit"
)

// createTaskRequest wraps models.TaskRequest with the caller-supplied step
// template (§1 non-goal: no YAML task-handler configuration loading, so the
// HTTP boundary accepts the DAG shape directly instead).
type createTaskRequest struct {
	models.TaskRequest
	Steps            []taskinit.StepTemplate `json:"steps" validate:"required,min=1,dive"`
	IdentityStrategy models.IdentityStrategy `json:"identity_strategy,omitempty"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	strategy := req.IdentityStrategy
	if strategy == "" {
		strategy = models.IdentityDefault
	}

	ctx := eventbus.WithCorrelationID(r.Context(), uuid.NewString())
	task, steps, err := s.init.Initialize(ctx, &req.TaskRequest, taskinit.WorkflowTemplate{Steps: req.Steps}, strategy)
	if err != nil {
		s.writeInitError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task":           task,
		"workflow_steps": steps,
	})
}

func (s *Server) writeInitError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *taskerr.ValidationError:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case *taskerr.ConfigurationError:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("create task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// taskSortColumns is the allowlist for the sort_by query param (§6: invalid
// values fall back to the default rather than erroring).
var taskSortColumns = map[string]bool{
	"task_id": true, "requested_at": true, "created_at": true,
	"updated_at": true, "current_status": true, "initiator": true, "source_system": true,
}

func sanitizeSort(sortBy, sortOrder string) (string, string) {
	if !taskSortColumns[sortBy] {
		sortBy = "task_id"
	}
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "asc"
	}
	return sortBy, sortOrder
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	sortBy, sortOrder := sanitizeSort(r.URL.Query().Get("sort_by"), r.URL.Query().Get("sort_order"))

	tasks, err := s.repo.ListTasks(r.Context(), limit, offset, sortBy, sortOrder)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskItem dispatches /tasks/{id}, /tasks/{id}/steps,
// /tasks/{id}/execution_context and /tasks/{id}/workflow_summary.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getTask(w, r, taskID)
		case http.MethodPatch:
			s.patchTask(w, r, taskID)
		case http.MethodDelete:
			s.cancelTask(w, r, taskID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "steps":
		s.listTaskSteps(w, r, taskID)
	case "execution_context":
		s.getExecutionContext(w, r, taskID)
	case "workflow_summary":
		s.getWorkflowSummary(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	task, err := s.repo.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type patchTaskRequest struct {
	Reason string   `json:"reason"`
	Tags   []string `json:"tags"`
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.repo.UpdatePatchableTaskFields(r.Context(), taskID, req.Reason, req.Tags); err != nil {
		s.logger.Error("patch task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelTask implements DELETE /tasks/:id (§6): a best-effort cancel (§4.5
// Cancellation) via the shared task state machine, so the guard table and
// event publication stay identical to orchestrator-driven cancellation.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	if s.taskMachine == nil {
		writeError(w, http.StatusInternalServerError, "task cancellation is not wired")
		return
	}
	task, err := s.repo.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if _, err := s.taskMachine.TransitionTo(r.Context(), task, models.TaskCancelled, models.TransitionMetadata{
		TriggeringComponent: "httpapi",
	}); err != nil {
		if _, guardFailed := err.(*statemachine.ErrGuardFailed); guardFailed {
			writeError(w, http.StatusConflict, "task cannot be cancelled from its current state")
			return
		}
		s.logger.Error("cancel task failed", zap.Error(err), zap.Int64("task_id", taskID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTaskSteps(w http.ResponseWriter, r *http.Request, taskID int64) {
	steps, err := s.repo.GetWorkflowStepsByTask(r.Context(), taskID)
	if err != nil {
		s.logger.Error("list workflow steps failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) getExecutionContext(w http.ResponseWriter, r *http.Request, taskID int64) {
	tc, err := s.readiness.ExecutionContext(r.Context(), taskID)
	if err != nil {
		s.logger.Error("compute execution context failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) getWorkflowSummary(w http.ResponseWriter, r *http.Request, taskID int64) {
	summary, err := s.readiness.WorkflowSummary(r.Context(), taskID)
	if err != nil {
		s.logger.Error("compute workflow summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
