package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
)

// ExecutionHandler serves read-only execution state: status, strategy
// event history, the trade log, the equity curve, and metrics.
type ExecutionHandler struct {
	Executions domain.ExecutionStore
	Metrics    domain.MetricsStore
	Detector   *lifecycle.Detector
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(executions domain.ExecutionStore, metrics domain.MetricsStore, detector *lifecycle.Detector, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{Executions: executions, Metrics: metrics, Detector: detector, logger: logger}
}

// Get returns a single execution's current row, after giving the Stale
// Detector a chance to reconcile a dead worker's leftover RUNNING state.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	exec, err := h.Executions.Get(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}

	if h.Detector != nil && !exec.Status.IsTerminal() {
		if _, rerr := h.reconcile(r, exec); rerr != nil {
			h.logger.Warn("execution handler: reconcile failed", slog.String("execution_id", id), slog.String("error", rerr.Error()))
		} else if refreshed, gerr := h.Executions.Get(r.Context(), id); gerr == nil {
			exec = refreshed
		}
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *ExecutionHandler) reconcile(r *http.Request, exec *domain.Execution) (domain.TaskStatus, error) {
	switch exec.TaskType {
	case domain.TaskTypeTrading:
		return h.Detector.ReconcileTrading(r.Context(), exec.TaskID)
	case domain.TaskTypeBacktest:
		return h.Detector.ReconcileBacktest(r.Context(), exec.TaskID)
	default:
		return "", nil
	}
}

// StrategyEvents returns the paginated strategy event log for an execution.
// GET /api/executions/{id}/events
func (h *ExecutionHandler) StrategyEvents(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	opts := parseListOpts(r)
	events, err := h.Executions.ListStrategyEvents(r.Context(), id, opts)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// TradeLog returns every trade recorded for an execution.
// GET /api/executions/{id}/trades
func (h *ExecutionHandler) TradeLog(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	trades, err := h.Executions.ListTradeLog(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// EquityCurve returns the balance-over-time samples for an execution.
// GET /api/executions/{id}/equity-curve
func (h *ExecutionHandler) EquityCurve(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	points, err := h.Executions.ListEquityCurve(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// Metrics returns the latest metrics snapshot for an execution: the final
// snapshot if the execution has finished, else the most recent checkpoint.
// GET /api/executions/{id}/metrics
func (h *ExecutionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	snap, ok, err := h.Metrics.ForExecution(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	if !ok {
		writeStateMachineError(w, fmt.Errorf("%w: no metrics recorded yet", domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
