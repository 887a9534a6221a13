package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/models"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
	calendarName     = "Bar Calendar"
)

// publicStatuses is what GET /api/events and the calendar export show by default.
var publicStatuses = []models.EventStatus{models.EventStatusApproved, models.EventStatusFeatured}

// EventResponse presents an event with its status in client casing.
type EventResponse struct {
	models.Event
	Status string `json:"status"`
}

func toResponse(e models.Event) EventResponse {
	return EventResponse{Event: e, Status: strings.ToLower(string(e.Status))}
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

// EventHandler serves the public read endpoints.
type EventHandler struct {
	manager *eventmanager.Manager
	logger  *slog.Logger
}

// NewEventHandler creates a handler for public event reads.
func NewEventHandler(manager *eventmanager.Manager, logger *slog.Logger) *EventHandler {
	return &EventHandler{manager: manager, logger: logger}
}

// List handles GET /api/events?status=approved,featured&limit=N
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(statuses) == 0 {
		statuses = publicStatuses
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, h.logger, "limit", "must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	events, err := h.manager.List(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := EventsResponse{Events: make([]EventResponse, 0, len(events)), Count: len(events)}
	for _, e := range events {
		resp.Events = append(resp.Events, toResponse(e))
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// Get handles GET /api/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toResponse(*event))
}

// Calendar handles GET /api/calendar.ics
func (h *EventHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	events, err := h.manager.List(r.Context(), publicStatuses, 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=900")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(ingestion.BuildCalendar(calendarName, events))); err != nil {
		h.logger.Error("failed to write calendar", "error", err)
	}
}

// parseStatuses reads a comma-separated status list in any casing.
func parseStatuses(raw string) ([]models.EventStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var statuses []models.EventStatus
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, ok := models.ParseStatus(part)
		if !ok {
			return nil, &models.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(strings.TrimSpace(part))}
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}
