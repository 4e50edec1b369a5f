package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ExecutionHandler serves execution history from the batch store.
type ExecutionHandler struct {
	store  domain.BatchStore
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(store domain.BatchStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger.With(slog.String("handler", "executions"))}
}

// ListRecent returns executions newest first.
// GET /api/executions/recent?limit=50&offset=0&since=2026-01-02T15:04:05Z
func (h *ExecutionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.store.ListRecentExecutions(r.Context(), opts)
	if err != nil {
		h.logger.Error("list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if list == nil {
		list = []domain.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

// GetBatch returns one cycle with its executions.
// GET /api/batches/{id}
func (h *ExecutionHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}
	writeJSON(w, http.StatusOK, b)
}
