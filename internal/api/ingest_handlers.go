package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/models"
)

const (
	ingestSecretHeader = "X-Ingest-Secret"
	manualSource       = "manual"

	maxBatchBytes    = 10 << 20
	maxSubmitBytes   = 256 << 10
	maxBatchRecords  = 1000
	maxCalendarBytes = 10 << 20
)

// IngestRequest is the body of POST /api/ingest. Records are decoded one by
// one during the merge so a malformed element is reported per record.
type IngestRequest struct {
	Source  string            `json:"source"`
	Records []json.RawMessage `json:"records"`
}

// IngestHandler serves the ingestion entrypoints.
type IngestHandler struct {
	merger *ingestion.Merger
	feeds  *ingestion.FeedIngester
	auth   config.AuthConfig
	logger *slog.Logger
}

// NewIngestHandler creates an ingestion handler.
func NewIngestHandler(merger *ingestion.Merger, feeds *ingestion.FeedIngester, authConfig config.AuthConfig, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{merger: merger, feeds: feeds, auth: authConfig, logger: logger}
}

// Ingest handles POST /api/ingest. A valid X-Ingest-Secret makes the batch
// trusted, no secret makes it untrusted, a wrong one is refused.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	trusted, ok := h.trust(w, r)
	if !ok {
		return
	}

	var req IngestRequest
	if err := decodeBody(w, r, maxBatchBytes, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		badRequest(w, h.logger, "source", "required")
		return
	}
	if len(req.Records) > maxBatchRecords {
		badRequest(w, h.logger, "records", "too many records in one batch")
		return
	}

	result := h.merger.IngestJSON(r.Context(), req.Source, req.Records, trusted)
	writeIngestResult(w, h.logger, result)
}

// Submit handles POST /api/submit, the public form. Submissions are never trusted.
func (h *IngestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var record models.RawEvent
	if err := decodeBody(w, r, maxSubmitBytes, &record); err != nil {
		writeError(w, h.logger, err)
		return
	}

	result := h.merger.Ingest(r.Context(), manualSource, []models.RawEvent{record}, false)
	if len(result.Errors) > 0 {
		recErr := result.Errors[0]
		writeJSON(w, h.logger, statusForKind(recErr.Kind), ErrorResponse{
			Error: recErr.Message,
			Kind:  recErr.Kind,
			Field: recErr.Field,
		})
		return
	}
	if result.Aborted {
		writeIngestResult(w, h.logger, result)
		return
	}

	status := http.StatusOK
	if result.Created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, h.logger, status, result)
}

// IngestICS handles POST /api/ingest/ics?source=NAME with an iCalendar body.
func (h *IngestHandler) IngestICS(w http.ResponseWriter, r *http.Request) {
	trusted, ok := h.trust(w, r)
	if !ok {
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("source"))
	if name == "" {
		badRequest(w, h.logger, "source", "required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCalendarBytes))
	if err != nil {
		badRequest(w, h.logger, "body", "unreadable or too large")
		return
	}

	source := ingestion.FeedSource{Name: name}.SourceName()
	result, err := h.feeds.IngestICS(r.Context(), source, body, trusted, 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeIngestResult(w, h.logger, result)
}

func (h *IngestHandler) trust(w http.ResponseWriter, r *http.Request) (bool, bool) {
	trusted, err := auth.CheckIngestSecret(h.auth, r.Header.Get(ingestSecretHeader))
	if err != nil {
		h.logger.Warn("rejected ingest secret", "ip", r.RemoteAddr)
		writeError(w, h.logger, err)
		return false, false
	}
	return trusted, true
}

// writeIngestResult answers 200, or 503 when the store failed mid-batch.
func writeIngestResult(w http.ResponseWriter, logger *slog.Logger, result ingestion.IngestResult) {
	status := http.StatusOK
	if result.Aborted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, logger, status, result)
}

func statusForKind(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "store_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
