package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/models"
	"github.com/tasker-run/tasker/internal/statemachine"
)

// handleWorkflowStepItem serves /workflow_steps/{id} — a read/patch/cancel
// surface separate from /tasks/{id}/steps (§6), for callers that only have a
// workflow_step_id (for example an external handler reporting a result).
func (s *Server) handleWorkflowStepItem(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/workflow_steps/")
	stepID, err := strconv.ParseInt(strings.Trim(idStr, "/"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow_step id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getWorkflowStep(w, r, stepID)
	case http.MethodPatch:
		s.patchWorkflowStep(w, r, stepID)
	case http.MethodDelete:
		s.cancelWorkflowStep(w, r, stepID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// cancelWorkflowStep serves DELETE /workflow_steps/:id; there is no route
// under /tasks/:task_id/workflow_steps. A pending or in-progress step is
// moved to cancelled via the shared
// step state machine (§4.2 {pending, in_progress} -> cancelled).
func (s *Server) cancelWorkflowStep(w http.ResponseWriter, r *http.Request, stepID int64) {
	if s.stepMachine == nil {
		writeError(w, http.StatusInternalServerError, "step cancellation is not wired")
		return
	}
	step, err := s.repo.GetWorkflowStep(r.Context(), stepID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow step not found")
		return
	}
	if _, err := s.stepMachine.TransitionTo(r.Context(), step, models.StepCancelled, models.TransitionMetadata{
		TriggeringComponent: "httpapi",
	}); err != nil {
		if _, guardFailed := err.(*statemachine.ErrGuardFailed); guardFailed {
			writeError(w, http.StatusConflict, "step cannot be cancelled from its current state")
			return
		}
		s.logger.Error("cancel workflow step failed", zap.Error(err), zap.Int64("workflow_step_id", stepID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWorkflowStep(w http.ResponseWriter, r *http.Request, stepID int64) {
	step, err := s.repo.GetWorkflowStep(r.Context(), stepID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow step not found")
		return
	}
	writeJSON(w, http.StatusOK, step)
}

type patchStepRequest struct {
	RetryLimit int                    `json:"retry_limit"`
	Inputs     map[string]interface{} `json:"inputs"`
}

func (s *Server) patchWorkflowStep(w http.ResponseWriter, r *http.Request, stepID int64) {
	var req patchStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.repo.UpdatePatchableStepFields(r.Context(), stepID, req.RetryLimit, req.Inputs); err != nil {
		s.logger.Error("patch workflow step failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHandlers lists the circuit breakers created so far, one per
// named-step handler class that has been invoked through StepBreakers.Guard,
// with each breaker's state and counts (SUPPLEMENTED circuit breaker
// feature). Classes registered with the invoker but never invoked are not
// listed.
func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Metrics())
}
