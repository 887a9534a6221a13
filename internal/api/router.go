package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/metrics"
	"github.com/barcalendar/eventcore/internal/models"
)

// ErrorLogReader lists and resolves persisted ingestion errors.
type ErrorLogReader interface {
	List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error)
	MarkResolved(ctx context.Context, id string) error
	CountUnresolved(ctx context.Context) (int, error)
}

// ActivityReader lists the operator activity log.
type ActivityReader interface {
	List(ctx context.Context, limit int, activityType string) ([]models.ActivityLog, error)
}

// Dependencies are the collaborators the HTTP layer dispatches to.
type Dependencies struct {
	Manager  *eventmanager.Manager
	Sweeper  *eventmanager.Sweeper
	Merger   *ingestion.Merger
	Feeds    *ingestion.FeedIngester
	Errors   ErrorLogReader
	Activity ActivityReader
	Auth     config.AuthConfig
	Metrics  *metrics.Collector // optional
	Health   func(ctx context.Context) error
	Logger   *slog.Logger
}

// NewRouter wires every route onto a fresh ServeMux.
func NewRouter(deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	logger := deps.Logger

	events := NewEventHandler(deps.Manager, logger)
	ingest := NewIngestHandler(deps.Merger, deps.Feeds, deps.Auth, logger)
	admin := NewAdminHandler(deps.Manager, deps.Sweeper, logger)
	logs := NewLogHandler(deps.Errors, deps.Activity, logger)
	authHandler := NewAuthHandler(deps.Auth, logger)

	requireModerator := auth.AuthMiddleware(deps.Auth)

	handle := func(pattern string, h http.Handler) {
		if deps.Metrics != nil {
			_, route, _ := strings.Cut(pattern, " ")
			h = deps.Metrics.InstrumentHandler(route, h)
		}
		mux.Handle(pattern, h)
	}
	moderated := func(pattern string, fn http.HandlerFunc) {
		handle(pattern, requireModerator(fn))
	}

	// Public reads
	handle("GET /api/events", http.HandlerFunc(events.List))
	handle("GET /api/events/{id}", http.HandlerFunc(events.Get))
	handle("GET /api/calendar.ics", http.HandlerFunc(events.Calendar))

	// Ingestion
	handle("POST /api/ingest", http.HandlerFunc(ingest.Ingest))
	handle("POST /api/ingest/ics", http.HandlerFunc(ingest.IngestICS))
	handle("POST /api/submit", http.HandlerFunc(ingest.Submit))

	// Authentication
	handle("POST /api/auth/login", http.HandlerFunc(authHandler.Login))
	moderated("GET /api/auth/validate", authHandler.ValidateToken)

	// Moderation
	moderated("PUT /api/admin/events/{id}/status", admin.SetStatus)
	moderated("PATCH /api/admin/events/{id}", admin.EditEvent)
	moderated("DELETE /api/admin/events/{id}", admin.DeleteEvent)
	moderated("POST /api/admin/sweep", admin.Sweep)
	moderated("GET /api/admin/ingestion-errors", logs.ListErrors)
	moderated("POST /api/admin/ingestion-errors/{id}/resolve", logs.ResolveError)
	moderated("GET /api/admin/activity", logs.ListActivity)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				writeJSON(w, logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return withCORS(mux)
}

// withCORS answers preflight requests and tags every response for browser clients.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Ingest-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
