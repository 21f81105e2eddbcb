package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

// StrategyConfigHandler serves CRUD endpoints for strategy configurations,
// the named, reusable parameter sets that TradingTask/BacktestTask rows
// reference by StrategyConfigID.
type StrategyConfigHandler struct {
	configs  domain.StrategyConfigStore
	registry *strategy.Registry
	logger   *slog.Logger
}

// NewStrategyConfigHandler creates a StrategyConfigHandler.
func NewStrategyConfigHandler(configs domain.StrategyConfigStore, registry *strategy.Registry, logger *slog.Logger) *StrategyConfigHandler {
	return &StrategyConfigHandler{configs: configs, registry: registry, logger: logger}
}

// Get returns a single strategy config by ID.
// GET /api/strategy-configs/{id}
func (h *StrategyConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	cfg, err := h.configs.Get(r.Context(), id)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListByOwner returns every strategy config owned by the given account.
// GET /api/strategy-configs?owner=acct-123
func (h *StrategyConfigHandler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	configs, err := h.configs.ListByOwner(r.Context(), owner)
	if err != nil {
		writeStateMachineError(w, err)
		return
	}
	if configs == nil {
		configs = []*domain.StrategyConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

// Create registers a new strategy config, validating that StrategyType
// names a registered strategy implementation.
// POST /api/strategy-configs
func (h *StrategyConfigHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg domain.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if cfg.Name == "" || cfg.Owner == "" || cfg.StrategyType == "" {
		writeError(w, http.StatusBadRequest, "name, owner, and strategy_type are required")
		return
	}
	if h.registry != nil && !h.registry.IsRegistered(cfg.StrategyType) {
		writeError(w, http.StatusBadRequest, "unknown strategy_type: "+cfg.StrategyType)
		return
	}

	if err := h.configs.Create(r.Context(), &cfg); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// Update replaces an existing strategy config's parameters.
// PUT /api/strategy-configs/{id}
func (h *StrategyConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var cfg domain.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg.ID = id

	if err := h.configs.Update(r.Context(), &cfg); err != nil {
		writeStateMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListStrategyTypes returns metadata (id, schema) for every registered
// strategy implementation, so a dashboard can build a config form.
// GET /api/strategy-types
func (h *StrategyConfigHandler) ListStrategyTypes(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusOK, []strategy.Info{})
		return
	}
	writeJSON(w, http.StatusOK, h.registry.GetAllInfo())
}
