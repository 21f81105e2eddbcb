package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
)

// TaskHandler exposes the control-plane start/stop/pause/resume/restart
// verbs over HTTP, delegating all guard logic to the Task State Machine.
type TaskHandler struct {
	Machine    *lifecycle.StateMachine
	Tasks      domain.TaskStore
	Executions domain.ExecutionStore
	Detector   *lifecycle.Detector
	logger     *slog.Logger
}

// NewTaskHandler creates a TaskHandler backed by the given StateMachine.
func NewTaskHandler(m *lifecycle.StateMachine, tasks domain.TaskStore, executions domain.ExecutionStore, detector *lifecycle.Detector, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{Machine: m, Tasks: tasks, Executions: executions, Detector: detector, logger: logger}
}

// taskStatusResponse is the externally-observable status contract: a task's
// own status, its latest execution's progress, and whether the task is
// RUNNING with no non-terminal execution backing it yet (the gap between one
// execution finishing and the worker allocating the next).
type taskStatusResponse struct {
	TaskID              string            `json:"task_id"`
	Status              domain.TaskStatus `json:"status"`
	Progress            int               `json:"progress"`
	Execution           *domain.Execution `json:"execution,omitempty"`
	PendingNewExecution bool              `json:"pending_new_execution"`
	ErrorMessage        string            `json:"error_message,omitempty"`
}

// StatusTrading reports a trading task's externally-observable status,
// reconciling against the Stale Detector first so a dead worker's leftover
// RUNNING state never leaks into the response.
// GET /api/tasks/trading/{id}/status
func (h *TaskHandler) StatusTrading(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, domain.TaskTypeTrading)
}

// StatusBacktest is the backtest analog of StatusTrading.
// GET /api/tasks/backtest/{id}/status
func (h *TaskHandler) StatusBacktest(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, domain.TaskTypeBacktest)
}

func (h *TaskHandler) status(w http.ResponseWriter, r *http.Request, taskType domain.TaskType) {
	id := pathParam(r, "id")
	ctx := r.Context()

	status, err := h.reconcile(ctx, taskType, id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}

	exec, err := h.Executions.LatestForTask(ctx, taskType, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeStateMachineError(w, err)
		return
	}

	resp := taskStatusResponse{TaskID: id, Status: status, Execution: exec}
	if exec != nil {
		resp.Progress = exec.Progress
		resp.ErrorMessage = exec.ErrorMessage
		resp.PendingNewExecution = status == domain.TaskStatusRunning && exec.Status.IsTerminal()
	} else {
		resp.PendingNewExecution = status == domain.TaskStatusRunning
	}

	writeJSON(w, http.StatusOK, resp)
}

// reconcile gives the Stale Detector a chance to converge a dead worker's
// leftover RUNNING state before the status response is built, then falls
// back to the Task Store's own status if no Detector is wired.
func (h *TaskHandler) reconcile(ctx context.Context, taskType domain.TaskType, id string) (domain.TaskStatus, error) {
	if h.Detector != nil {
		switch taskType {
		case domain.TaskTypeTrading:
			return h.Detector.ReconcileTrading(ctx, id)
		case domain.TaskTypeBacktest:
			return h.Detector.ReconcileBacktest(ctx, id)
		}
	}
	switch taskType {
	case domain.TaskTypeTrading:
		t, err := h.Tasks.GetTradingTask(ctx, id)
		if err != nil {
			return "", err
		}
		return t.Status, nil
	case domain.TaskTypeBacktest:
		t, err := h.Tasks.GetBacktestTask(ctx, id)
		if err != nil {
			return "", err
		}
		return t.Status, nil
	default:
		return "", fmt.Errorf("task handler: unknown task type %q", taskType)
	}
}

// StartTrading starts a trading task.
// POST /api/tasks/trading/{id}/start
func (h *TaskHandler) StartTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	exec, err := h.Machine.StartTrading(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// stopTradingRequest is the optional JSON body accepted by StopTrading,
// selecting the stop mode (see lifecycle.StopMode).
type stopTradingRequest struct {
	Mode string `json:"mode"`
}

// StopTrading stops a trading task.
// POST /api/tasks/trading/{id}/stop
func (h *TaskHandler) StopTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var body stopTradingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	mode, err := lifecycle.ParseStopMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Machine.StopTrading(r.Context(), id, mode); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// PauseTrading pauses a running trading task.
// POST /api/tasks/trading/{id}/pause
func (h *TaskHandler) PauseTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.Machine.PauseTrading(r.Context(), id); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// UnpauseTrading resumes a paused trading task within its current execution.
// POST /api/tasks/trading/{id}/unpause
func (h *TaskHandler) UnpauseTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.Machine.UnpauseTrading(r.Context(), id); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// ResumeTrading resumes a stopped or failed trading task from saved state.
// POST /api/tasks/trading/{id}/resume
func (h *TaskHandler) ResumeTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	exec, err := h.Machine.ResumeTrading(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// restartTradingRequest is the optional JSON body accepted by RestartTrading.
type restartTradingRequest struct {
	ClearState bool `json:"clear_state"`
}

// RestartTrading starts a fresh execution for a stopped or failed task.
// POST /api/tasks/trading/{id}/restart
func (h *TaskHandler) RestartTrading(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var body restartTradingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	exec, err := h.Machine.RestartTrading(r.Context(), id, body.ClearState)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// StartBacktest starts a backtest task.
// POST /api/tasks/backtest/{id}/start
func (h *TaskHandler) StartBacktest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	exec, err := h.Machine.StartBacktest(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// StopBacktest stops a running backtest task.
// POST /api/tasks/backtest/{id}/stop
func (h *TaskHandler) StopBacktest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.Machine.StopBacktest(r.Context(), id); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// writeStateMachineError maps a StateMachine error to an HTTP status code
// via errors.Is against the domain sentinel errors.
func writeStateMachineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTransientInfra), errors.Is(err, domain.ErrContextDone):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
