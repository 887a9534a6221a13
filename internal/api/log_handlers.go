package api

import (
	"log/slog"
	"net/http"
	"strconv"
)

// LogHandler exposes the ingestion error log and the activity log to moderators.
type LogHandler struct {
	errors   ErrorLogReader
	activity ActivityReader
	logger   *slog.Logger
}

// NewLogHandler creates a log handler.
func NewLogHandler(errors ErrorLogReader, activity ActivityReader, logger *slog.Logger) *LogHandler {
	return &LogHandler{errors: errors, activity: activity, logger: logger}
}

// ListErrors returns ingestion errors with optional filtering
// GET /api/admin/ingestion-errors?limit=100&unresolved_only=true
func (h *LogHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	unresolvedOnly := r.URL.Query().Get("unresolved_only") == "true"

	entries, err := h.errors.List(r.Context(), limit, unresolvedOnly)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	unresolvedCount, err := h.errors.CountUnresolved(r.Context())
	if err != nil {
		h.logger.Error("failed to count unresolved errors", "error", err)
		unresolvedCount = 0
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"errors":           entries,
		"count":            len(entries),
		"unresolved_count": unresolvedCount,
	})
}

// ResolveError marks an error as resolved
// POST /api/admin/ingestion-errors/{id}/resolve
func (h *LogHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.errors.MarkResolved(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("resolved ingestion error", "id", id)
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// ListActivity handles GET /api/admin/activity?limit=100&activity_type=sweep
func (h *LogHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	logs, err := h.activity.List(r.Context(), parseLimit(r, 100), r.URL.Query().Get("activity_type"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func parseLimit(r *http.Request, fallback int) int {
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		return l
	}
	return fallback
}
