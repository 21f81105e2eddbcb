package handler

import (
	"net/http"
)

// StatusHandler serves process-level status for the dashboard: which
// subsystems this process runs, independent of any single task or
// execution (each task tracks its own status separately).
type StatusHandler struct {
	Mode string
}

// NewStatusHandler creates a StatusHandler reporting the given run mode.
func NewStatusHandler(mode string) *StatusHandler {
	return &StatusHandler{Mode: mode}
}

// GetStatus responds with the process's configured run mode.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode": h.Mode,
	})
}
