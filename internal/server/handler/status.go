package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Controller is the orchestrator surface exposed to operators.
type Controller interface {
	Snapshot() domain.OrchestratorState
	ResetCircuitBreaker(reason string) error
}

// StatusHandler serves orchestrator state and the breaker reset action.
type StatusHandler struct {
	ctrl   Controller
	mode   string
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(ctrl Controller, mode string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{ctrl: ctrl, mode: mode, logger: logger.With(slog.String("handler", "status"))}
}

// GetStatus responds with the latest orchestrator snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":  h.mode,
		"state": h.ctrl.Snapshot(),
	})
}

type resetRequest struct {
	Reason string `json:"reason"`
}

// ResetBreaker queues a circuit breaker reset. The reason is required so the
// audit trail says who and why.
// POST /api/breaker/reset
func (h *StatusHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.ctrl.ResetCircuitBreaker(req.Reason); err != nil {
		h.logger.Warn("breaker reset rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.Info("breaker reset queued", slog.String("reason", req.Reason))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
