package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/models"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps err onto an HTTP status using the models error taxonomy.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	resp := ErrorResponse{Error: err.Error(), Kind: models.ErrorKind(err)}
	status := http.StatusInternalServerError

	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Field = ve.Field
	case errors.Is(err, models.ErrEventNotFound):
		status = http.StatusNotFound
	case resp.Kind == "invalid_transition":
		status = http.StatusConflict
	case resp.Kind == "store_unavailable":
		status = http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrBadIngestSecret):
		status = http.StatusUnauthorized
		resp.Kind = "unauthorized"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", resp.Kind, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, logger, status, resp)
}

func badRequest(w http.ResponseWriter, logger *slog.Logger, field, message string) {
	writeError(w, logger, &models.ValidationError{Field: field, Message: message})
}

// decodeBody reads a JSON body capped at maxBytes into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &models.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
