package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/metrics"
	"github.com/barcalendar/eventcore/internal/models"
)

const (
	testIngestSecret = "ingest-secret"
	testJWTSecret    = "jwt-secret"
)

type testServer struct {
	handler  http.Handler
	store    *ingestion.MemoryEventStore
	errorLog *ingestion.MemoryErrorLog
	activity *ingestion.MemoryActivityLog
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector, err := metrics.NewCollector()
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	store := ingestion.NewMemoryEventStore()
	errorLog := ingestion.NewMemoryErrorLog()
	activity := ingestion.NewMemoryActivityLog()

	merger := ingestion.NewMerger(store, errorLog, activity, nil, collector, logger, ingestion.DefaultMergerConfig())
	feeds := ingestion.NewFeedIngester(ingestion.NewFeedFetcher(nil, ingestion.DefaultRetryPolicy(), logger), merger, errorLog, logger)
	manager := eventmanager.NewManager(store, activity, nil, collector, logger, eventmanager.DefaultManagerConfig())
	sweeper := eventmanager.NewSweeper(store, manager, activity, collector, logger, eventmanager.DefaultSweeperConfig())

	authConfig := config.AuthConfig{
		IngestSecret:  testIngestSecret,
		AdminPassword: "letmein",
		JWTSecret:     testJWTSecret,
		TokenDuration: time.Hour,
	}
	token, err := auth.GenerateToken("mod-7", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	handler := NewRouter(Dependencies{
		Manager:  manager,
		Sweeper:  sweeper,
		Merger:   merger,
		Feeds:    feeds,
		Errors:   errorLog,
		Activity: activity,
		Auth:     authConfig,
		Metrics:  collector,
		Logger:   logger,
	})

	return &testServer{handler: handler, store: store, errorLog: errorLog, activity: activity, token: token}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) asModerator() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func (s *testServer) seed(t *testing.T, name string, status models.EventStatus) *models.Event {
	t.Helper()
	start := time.Date(2030, 5, 1, 18, 0, 0, 0, time.UTC)
	e, err := s.store.Create(context.Background(), models.Event{Name: name, StartDate: start, Status: status, SubmittedBy: "test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body=%q)", err, rr.Body.String())
	}
	return v
}

const batch = `{"source":"scraper:barassoc","records":[
	{"externalId":"cms-1","name":"Ethics CLE","startDate":"2030-05-01T18:00:00Z"},
	{"name":"","startDate":"2030-05-02T18:00:00Z"}
]}`

func TestIngest_SecretDecidesTrust(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		wantCode   int
		wantStatus models.EventStatus
	}{
		{"valid secret is trusted", testIngestSecret, http.StatusOK, models.EventStatusApproved},
		{"missing secret is untrusted", "", http.StatusOK, models.EventStatusPending},
		{"wrong secret is refused", "guess", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			headers := map[string]string{}
			if tt.secret != "" {
				headers[ingestSecretHeader] = tt.secret
			}

			rr := srv.do(t, http.MethodPost, "/api/ingest", batch, headers)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body=%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantStatus == "" {
				if srv.store.Size() != 0 {
					t.Error("refused batch must not write")
				}
				return
			}

			result := decode[ingestion.IngestResult](t, rr)
			if result.Created != 1 || result.Failed != 1 || len(result.Errors) != 1 {
				t.Fatalf("unexpected result: %+v", result)
			}
			if result.Errors[0].Field != "name" {
				t.Errorf("error field = %q, want name", result.Errors[0].Field)
			}
			event, _ := srv.store.FindByExternalID(context.Background(), "cms-1")
			if event == nil || event.Status != tt.wantStatus {
				t.Errorf("event = %+v, want status %s", event, tt.wantStatus)
			}
		})
	}
}

func TestIngest_RejectsMalformedRequests(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `{`, "body"},
		{"missing source", `{"records":[]}`, "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := srv.do(t, http.MethodPost, "/api/ingest", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			resp := decode[ErrorResponse](t, rr)
			if resp.Kind != "validation" || resp.Field != tt.field {
				t.Errorf("unexpected error response: %+v", resp)
			}
		})
	}
}

func TestIngest_MalformedRecordFailsAlone(t *testing.T) {
	srv := newTestServer(t)
	body := `{"source":"scraper:barassoc","records":[
		{"externalId":"a","name":"Ethics CLE","startDate":"2030-04-01T18:00:00Z"},
		"oops",
		null,
		{"externalId":"b","name":"Bar Mixer","startDate":"2030-04-02T18:00:00Z"}
	]}`

	rr := srv.do(t, http.MethodPost, "/api/ingest", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	result := decode[ingestion.IngestResult](t, rr)
	if result.Received != 4 || result.Created != 2 || result.Failed != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 2 || result.Errors[0].Index != 1 || result.Errors[1].Index != 2 {
		t.Fatalf("errors = %+v", result.Errors)
	}
	if result.Errors[0].Kind != "validation" || result.Errors[0].Field != "record" {
		t.Errorf("unexpected record error: %+v", result.Errors[0])
	}

	stored, err := srv.store.FindByExternalID(context.Background(), "b")
	if err != nil || stored == nil {
		t.Fatalf("record after the malformed ones was not stored: %v", err)
	}
}

func TestSubmit_IsAlwaysPending(t *testing.T) {
	srv := newTestServer(t)
	body := `{"name":"Bar Mixer","startDate":"2030-06-01T18:00:00Z","location":"Bar Center"}`

	rr := srv.do(t, http.MethodPost, "/api/submit", body, map[string]string{ingestSecretHeader: testIngestSecret})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	result := decode[ingestion.IngestResult](t, rr)
	event, _ := srv.store.Get(context.Background(), result.EventIDs[0])
	if event.Status != models.EventStatusPending || event.SubmittedBy != manualSource {
		t.Errorf("unexpected event: %+v", event)
	}

	rr = srv.do(t, http.MethodPost, "/api/submit", body, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("resubmission should merge, got %d", rr.Code)
	}

	rr = srv.do(t, http.MethodPost, "/api/submit", `{"name":"No Date"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Field != "startDate" {
		t.Errorf("unexpected error response: %+v", resp)
	}
}

func TestIngestICS(t *testing.T) {
	srv := newTestServer(t)
	calendar := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:court-1",
		"DTSTAMP:20300101T000000Z",
		"DTSTART:20300301T170000Z",
		"DTEND:20300301T190000Z",
		"SUMMARY:Bench Bar Conference",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/ics?source=court", strings.NewReader(calendar))
	req.Header.Set(ingestSecretHeader, testIngestSecret)
	rr := httptest.NewRecorder()
	srv.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	result := decode[ingestion.IngestResult](t, rr)
	if result.Source != "ics:court" || result.Created != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	rr = srv.do(t, http.MethodPost, "/api/ingest/ics", calendar, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing source should be 400, got %d", rr.Code)
	}
}

func TestPublicReads(t *testing.T) {
	srv := newTestServer(t)
	approved := srv.seed(t, "Approved Event", models.EventStatusApproved)
	srv.seed(t, "Pending Event", models.EventStatusPending)

	rr := srv.do(t, http.MethodGet, "/api/events", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	list := decode[struct {
		Events []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"events"`
		Count int `json:"count"`
	}](t, rr)
	if list.Count != 1 || list.Events[0].ID != approved.ID || list.Events[0].Status != "approved" {
		t.Errorf("default listing should show approved events in client casing: %+v", list)
	}

	rr = srv.do(t, http.MethodGet, "/api/events?status=pending", "", nil)
	if got := decode[EventsResponse](t, rr); got.Count != 1 {
		t.Errorf("status filter returned %d events", got.Count)
	}

	rr = srv.do(t, http.MethodGet, "/api/events?status=bogus", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status should be 400, got %d", rr.Code)
	}

	rr = srv.do(t, http.MethodGet, "/api/events/"+approved.ID, "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("get by id = %d", rr.Code)
	}
	rr = srv.do(t, http.MethodGet, "/api/events/missing", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing id should be 404, got %d", rr.Code)
	}

	rr = srv.do(t, http.MethodGet, "/api/calendar.ics", "", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("calendar export: %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	ics := rr.Body.String()
	if !strings.Contains(ics, "SUMMARY:Approved Event") || strings.Contains(ics, "Pending Event") {
		t.Errorf("calendar should only contain public events:\n%s", ics)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	srv := newTestServer(t)
	event := srv.seed(t, "Event", models.EventStatusPending)

	rr := srv.do(t, http.MethodPut, "/api/admin/events/"+event.ID+"/status", `{"status":"approved"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAdmin_SetStatus(t *testing.T) {
	srv := newTestServer(t)
	event := srv.seed(t, "Event", models.EventStatusPending)
	path := "/api/admin/events/" + event.ID + "/status"

	rr := srv.do(t, http.MethodPut, path, `{"status":"approved","notes":"looks good"}`, srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	stored, _ := srv.store.Get(context.Background(), event.ID)
	if stored.Status != models.EventStatusApproved || stored.UpdatedBy != "mod-7" {
		t.Errorf("unexpected stored event: %+v", stored)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
		kind string
	}{
		{"illegal transition", path, `{"status":"pending"}`, http.StatusConflict, "invalid_transition"},
		{"unknown status", path, `{"status":"maybe"}`, http.StatusBadRequest, "validation"},
		{"missing event", "/api/admin/events/nope/status", `{"status":"approved"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := srv.do(t, http.MethodPut, tt.path, tt.body, srv.asModerator())
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if resp := decode[ErrorResponse](t, rr); resp.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.kind)
			}
		})
	}
}

func TestAdmin_EditAndDelete(t *testing.T) {
	srv := newTestServer(t)
	event := srv.seed(t, "Evnt", models.EventStatusApproved)
	path := "/api/admin/events/" + event.ID

	rr := srv.do(t, http.MethodPatch, path, `{"name":"Event","description":"Fixed typo"}`, srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Fatalf("edit status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	stored, _ := srv.store.Get(context.Background(), event.ID)
	if stored.Name != "Event" || stored.Description != "Fixed typo" || !stored.StartDate.Equal(event.StartDate) {
		t.Errorf("unexpected edit result: %+v", stored)
	}

	rr = srv.do(t, http.MethodDelete, path, "", srv.asModerator())
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = srv.do(t, http.MethodDelete, path, "", srv.asModerator())
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func TestAdmin_Sweep(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	past := time.Now().Add(-72 * time.Hour)
	if _, err := srv.store.Create(ctx, models.Event{Name: "Old", StartDate: past, Status: models.EventStatusApproved}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := srv.do(t, http.MethodPost, "/api/admin/sweep", `{"operations":["past"]}`, srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	result := decode[eventmanager.SweepResult](t, rr)
	if len(result.Operations) != 1 || result.Operations[0].Succeeded != 1 {
		t.Errorf("unexpected sweep result: %+v", result)
	}
	if srv.store.Size() != 0 {
		t.Error("past event should be gone")
	}

	rr = srv.do(t, http.MethodPost, "/api/admin/sweep", `{"operations":["everything"]}`, srv.asModerator())
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown operation should be 400, got %d", rr.Code)
	}

	rr = srv.do(t, http.MethodPost, "/api/admin/sweep", "", srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Errorf("empty body should sweep everything, got %d", rr.Code)
	}
	if got := decode[eventmanager.SweepResult](t, rr); len(got.Operations) != len(eventmanager.AllOperations) {
		t.Errorf("expected every operation, got %+v", got.Operations)
	}
}

func TestAdmin_Logs(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/ingest", batch, nil)

	rr := srv.do(t, http.MethodGet, "/api/admin/ingestion-errors?unresolved_only=true", "", srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	listing := decode[struct {
		Errors          []models.IngestionError `json:"errors"`
		UnresolvedCount int                     `json:"unresolved_count"`
	}](t, rr)
	if len(listing.Errors) != 1 || listing.UnresolvedCount != 1 {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	rr = srv.do(t, http.MethodPost, "/api/admin/ingestion-errors/"+listing.Errors[0].ID+"/resolve", "", srv.asModerator())
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rr.Code)
	}
	if n, _ := srv.errorLog.CountUnresolved(context.Background()); n != 0 {
		t.Errorf("unresolved = %d after resolve", n)
	}

	rr = srv.do(t, http.MethodGet, "/api/admin/activity?activity_type=ingest", "", srv.asModerator())
	logs := decode[struct {
		Count int `json:"count"`
	}](t, rr)
	if logs.Count != 1 {
		t.Errorf("activity count = %d, want 1", logs.Count)
	}
}

func TestLogin(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/api/auth/login", `{"password":"wrong"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d", rr.Code)
	}

	rr = srv.do(t, http.MethodPost, "/api/auth/login", `{"password":"letmein"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login = %d", rr.Code)
	}
	resp := decode[LoginResponse](t, rr)
	if userID, err := auth.ValidateToken(resp.Token, testJWTSecret); err != nil || userID != adminUserID {
		t.Errorf("issued token invalid: %q %v", userID, err)
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	srv := newTestServer(t)

	if rr := srv.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}

	srv.do(t, http.MethodGet, "/api/events", "", nil)
	rr := srv.do(t, http.MethodGet, "/metrics", "", nil)
	if !bytes.Contains(rr.Body.Bytes(), []byte(`eventcore_http_requests_total{method="GET",path="/api/events",status="200"} 1`)) {
		t.Errorf("request metric missing:\n%s", rr.Body.String())
	}

	rr = srv.do(t, http.MethodOptions, "/api/ingest", "", nil)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", rr.Code, rr.Header())
	}
}
