package api

import (
	"log/slog"
	"net/http"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/models"
)

const maxAdminBodyBytes = 256 << 10

// StatusRequest is the body of PUT /api/admin/events/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// SweepRequest is the body of POST /api/admin/sweep. No operations means all.
type SweepRequest struct {
	Operations []string `json:"operations"`
}

// AdminHandler serves moderator operations. Every route sits behind the JWT middleware.
type AdminHandler struct {
	manager *eventmanager.Manager
	sweeper *eventmanager.Sweeper
	logger  *slog.Logger
}

// NewAdminHandler creates a moderation handler.
func NewAdminHandler(manager *eventmanager.Manager, sweeper *eventmanager.Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{manager: manager, sweeper: sweeper, logger: logger}
}

// SetStatus handles PUT /api/admin/events/{id}/status
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(w, r, maxAdminBodyBytes, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, ok := models.ParseStatus(req.Status)
	if !ok {
		badRequest(w, h.logger, "status", "unknown status")
		return
	}

	event, err := h.manager.SetStatus(r.Context(), r.PathValue("id"), status, actor(r), req.Notes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toResponse(*event))
}

// EditEvent handles PATCH /api/admin/events/{id}. The body uses the same
// field names as an ingested record; omitted fields are left untouched.
func (h *AdminHandler) EditEvent(w http.ResponseWriter, r *http.Request) {
	var edit models.RawEvent
	if err := decodeBody(w, r, maxAdminBodyBytes, &edit); err != nil {
		writeError(w, h.logger, err)
		return
	}

	event, err := h.manager.EditEvent(r.Context(), r.PathValue("id"), edit, actor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toResponse(*event))
}

// DeleteEvent handles DELETE /api/admin/events/{id}
func (h *AdminHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteEvent(r.Context(), r.PathValue("id"), actor(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /api/admin/sweep. An empty body runs every operation.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, maxAdminBodyBytes, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	ops, err := eventmanager.ParseOperations(req.Operations)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("manual sweep requested", "actor", actor(r), "operations", ops)
	result := h.sweeper.RunSweep(r.Context(), ops)
	writeJSON(w, h.logger, http.StatusOK, result)
}

// actor is the moderator id carried by the validated token.
func actor(r *http.Request) string {
	if id, ok := auth.GetUserIDFromContext(r.Context()); ok {
		return id
	}
	return "moderator"
}
