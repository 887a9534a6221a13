package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
	"github.com/barcalendar/eventcore/internal/notify"
)

// ErrorLog persists rejected or flagged records for operator review.
type ErrorLog interface {
	Store(ctx context.Context, err models.IngestionError) error
}

// ActivityLogger records operator-visible activity.
type ActivityLogger interface {
	Log(ctx context.Context, log models.ActivityLog) error
}

// IngestMetrics counts per-record ingestion outcomes.
type IngestMetrics interface {
	RecordIngest(source, outcome string)
}

// Per-record outcomes reported to IngestMetrics.
const (
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
)

// MergerConfig holds configuration for the ingestion merger.
type MergerConfig struct {
	StoreTimeout    time.Duration // bound on every individual store call
	ErrorSampleSize int           // record errors kept in IngestResult.Errors
}

// DefaultMergerConfig returns sensible defaults.
func DefaultMergerConfig() MergerConfig {
	return MergerConfig{
		StoreTimeout:    5 * time.Second,
		ErrorSampleSize: 50,
	}
}

// RecordError describes one record that could not be ingested.
type RecordError struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// IngestResult summarizes one batch.
type IngestResult struct {
	Source    string                          `json:"source"`
	Trusted   bool                            `json:"trusted"`
	Received  int                             `json:"received"`
	Created   int                             `json:"created"`
	Updated   int                             `json:"updated"`
	Failed    int                             `json:"failed"`
	// Errors holds the first ErrorSampleSize failures; Failed is the full count.
	Errors    []RecordError                   `json:"errors"`
	Conflicts []*models.IdentityConflictError `json:"conflicts"`
	Aborted   bool                            `json:"aborted"`
	Skipped   int                             `json:"skipped"`
	EventIDs  []string                        `json:"event_ids"`
}

// Merger turns a batch of raw records into created or updated events.
// Records are processed sequentially; one bad record never fails the batch
// unless the store itself becomes unavailable.
type Merger struct {
	store     EventStore
	resolver  *Resolver
	errorLog  ErrorLog
	activity  ActivityLogger
	publisher notify.Publisher
	metrics   IngestMetrics
	config    MergerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewMerger creates a merger. errorLog, activity, publisher and metrics may be nil.
func NewMerger(
	store EventStore,
	errorLog ErrorLog,
	activity ActivityLogger,
	publisher notify.Publisher,
	metrics IngestMetrics,
	logger *slog.Logger,
	config MergerConfig,
) *Merger {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultMergerConfig().StoreTimeout
	}
	if config.ErrorSampleSize <= 0 {
		config.ErrorSampleSize = DefaultMergerConfig().ErrorSampleSize
	}
	return &Merger{
		store:     store,
		resolver:  NewResolver(store),
		errorLog:  errorLog,
		activity:  activity,
		publisher: publisher,
		metrics:   metrics,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest merges records from source into the store. trusted decides the
// initial status of new events: APPROVED when trusted, PENDING otherwise.
func (m *Merger) Ingest(ctx context.Context, source string, records []models.RawEvent, trusted bool) IngestResult {
	batch := make([]batchRecord, len(records))
	for i, raw := range records {
		batch[i].raw = raw
	}
	return m.ingest(ctx, source, batch, trusted)
}

// IngestJSON is Ingest for records still in wire form. Each element is
// decoded on its own, so a record that is not a JSON object fails alone.
func (m *Merger) IngestJSON(ctx context.Context, source string, records []json.RawMessage, trusted bool) IngestResult {
	batch := make([]batchRecord, len(records))
	for i, data := range records {
		batch[i].err = batch[i].raw.UnmarshalJSON(data)
	}
	return m.ingest(ctx, source, batch, trusted)
}

// batchRecord is one record of a batch; err is set when it failed to decode.
type batchRecord struct {
	raw models.RawEvent
	err error
}

func (m *Merger) ingest(ctx context.Context, source string, records []batchRecord, trusted bool) IngestResult {
	start := m.now()
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}

	result := IngestResult{
		Source:    source,
		Trusted:   trusted,
		Received:  len(records),
		Errors:    []RecordError{},
		Conflicts: []*models.IdentityConflictError{},
		EventIDs:  []string{},
	}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			m.abort(&result, i, fmt.Errorf("ingest cancelled: %w", err))
			break
		}

		raw := rec.raw
		var (
			event    *models.Event
			created  bool
			conflict *models.IdentityConflictError
			err      = rec.err
		)
		if err == nil {
			event, created, conflict, err = m.ingestOne(ctx, source, raw, trusted)
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, conflict)
			m.count(source, OutcomeConflict)
			m.logger.Warn("identity conflict",
				"source", source,
				"external_id", conflict.ExternalID,
				"event_id", conflict.EventID,
				"existing_source", conflict.ExistingSource,
				"fields", strings.Join(conflict.Fields, ","),
			)
			m.recordError(ctx, source, raw, conflict.EventID, conflict)
		}

		if err != nil {
			result.Failed++
			if len(result.Errors) < m.config.ErrorSampleSize {
				result.Errors = append(result.Errors, newRecordError(i, raw, err))
			}
			m.count(source, OutcomeFailed)
			m.recordError(ctx, source, raw, "", err)

			if models.IsStoreUnavailable(err) {
				m.logger.Error("store unavailable, aborting batch",
					"source", source,
					"index", i,
					"error", err,
				)
				m.abort(&result, i+1, nil)
				break
			}
			m.logger.Debug("record rejected",
				"source", source,
				"index", i,
				"record", raw.String(),
				"error", err,
			)
			continue
		}

		result.EventIDs = append(result.EventIDs, event.ID)
		if created {
			result.Created++
			m.count(source, OutcomeCreated)
			m.publish(ctx, notify.TypeEventCreated, event, source)
		} else {
			result.Updated++
			m.count(source, OutcomeUpdated)
			m.publish(ctx, notify.TypeEventUpdated, event, source)
		}
	}

	duration := m.now().Sub(start)
	m.logger.Info("ingest batch complete",
		"source", source,
		"trusted", trusted,
		"received", result.Received,
		"created", result.Created,
		"updated", result.Updated,
		"failed", result.Failed,
		"conflicts", len(result.Conflicts),
		"aborted", result.Aborted,
		"skipped", result.Skipped,
		"duration_ms", duration.Milliseconds(),
	)
	m.logActivity(ctx, result, duration)

	return result
}

// abort marks records from index onward as skipped.
func (m *Merger) abort(result *IngestResult, from int, cause error) {
	result.Aborted = true
	if from < result.Received {
		result.Skipped = result.Received - from
	}
	for i := 0; i < result.Skipped; i++ {
		m.count(result.Source, OutcomeSkipped)
	}
	if cause != nil {
		m.logger.Warn("ingest batch aborted", "source", result.Source, "error", cause)
	}
}

// ingestOne processes a single record. conflict may be set alongside a
// successful update.
func (m *Merger) ingestOne(ctx context.Context, source string, raw models.RawEvent, trusted bool) (*models.Event, bool, *models.IdentityConflictError, error) {
	candidate, err := Normalize(raw)
	if err != nil {
		return nil, false, nil, err
	}

	var match Match
	err = m.withTimeout(ctx, "resolve", func(ctx context.Context) error {
		var resolveErr error
		match, resolveErr = m.resolver.Resolve(ctx, candidate)
		return resolveErr
	})
	if err != nil {
		return nil, false, nil, err
	}

	if err := m.attachRelations(ctx, &candidate); err != nil {
		return nil, false, nil, err
	}

	if !match.Found() {
		event, err := m.create(ctx, source, candidate, trusted)
		return event, true, nil, err
	}

	var conflict *models.IdentityConflictError
	if trusted && match.By == MatchExternalID {
		conflict = detectConflict(match.Event, candidate, source)
	}

	event, err := m.update(ctx, source, match.Event, candidate)
	return event, false, conflict, err
}

func (m *Merger) create(ctx context.Context, source string, candidate models.Event, trusted bool) (*models.Event, error) {
	candidate.Status = models.EventStatusPending
	if trusted {
		candidate.Status = models.EventStatusApproved
	}
	candidate.SubmittedBy = source
	candidate.SubmittedAt = m.now().UTC()
	candidate.UpdatedBy = source

	var created *models.Event
	err := m.withTimeout(ctx, "create", func(ctx context.Context) error {
		var createErr error
		created, createErr = m.store.Create(ctx, candidate)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return created, nil
}

func (m *Merger) update(ctx context.Context, source string, existing *models.Event, candidate models.Event) (*models.Event, error) {
	patch := MergePatch(candidate)
	patch.UpdatedBy = &source
	if existing.ExternalID != "" {
		// A fallback-key match never rewrites an established externalId.
		patch.ExternalID = nil
	}

	var updated *models.Event
	err := m.withTimeout(ctx, "update", func(ctx context.Context) error {
		var updateErr error
		updated, updateErr = m.store.Update(ctx, existing.ID, patch)
		return updateErr
	})
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", existing.ID, err)
	}
	return updated, nil
}

// attachRelations resolves the free-text location and community to rows.
func (m *Merger) attachRelations(ctx context.Context, candidate *models.Event) error {
	if candidate.LocationText != "" {
		err := m.withTimeout(ctx, "find_or_create_location", func(ctx context.Context) error {
			loc, err := m.store.FindOrCreateLocation(ctx, candidate.LocationText)
			if err != nil {
				return err
			}
			candidate.LocationID = loc.ID
			return nil
		})
		if err != nil {
			return fmt.Errorf("resolve location: %w", err)
		}
	}
	if candidate.CommunityText != "" {
		err := m.withTimeout(ctx, "find_or_create_community", func(ctx context.Context) error {
			c, err := m.store.FindOrCreateCommunity(ctx, candidate.CommunityText)
			if err != nil {
				return err
			}
			candidate.CommunityID = c.ID
			return nil
		})
		if err != nil {
			return fmt.Errorf("resolve community: %w", err)
		}
	}
	return nil
}

func (m *Merger) withTimeout(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return CallStore(ctx, m.config.StoreTimeout, op, fn)
}

// CallStore runs fn under timeout. A deadline hit is reported as
// StoreUnavailableError so callers can tell it from a per-record failure.
func CallStore(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !models.IsStoreUnavailable(err) {
		return &models.StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

// MergePatch builds the update applied when a record matches an existing
// event. Name and dates always overwrite; optional fields only when the
// incoming value is non-empty. Status and submission provenance are never touched.
func MergePatch(candidate models.Event) models.EventPatch {
	patch := models.EventPatch{
		Name:      &candidate.Name,
		StartDate: &candidate.StartDate,
		EndDate:   &candidate.EndDate,
	}
	setString := func(dst **string, v string) {
		if v != "" {
			s := v
			*dst = &s
		}
	}
	setString(&patch.ExternalID, candidate.ExternalID)
	setString(&patch.Description, candidate.Description)
	setString(&patch.LocationText, candidate.LocationText)
	setString(&patch.LocationID, candidate.LocationID)
	setString(&patch.CommunityText, candidate.CommunityText)
	setString(&patch.CommunityID, candidate.CommunityID)
	setString(&patch.URL, candidate.URL)
	setString(&patch.Image, candidate.Image)
	setString(&patch.EventType, candidate.EventType)
	setString(&patch.Price, candidate.Price)
	setString(&patch.CMSID, candidate.CMSID)

	if len(candidate.Category) > 0 {
		category := candidate.Category
		patch.Category = &category
	}
	if len(candidate.Tags) > 0 {
		tags := candidate.Tags
		patch.Tags = &tags
	}
	if candidate.HasCLE {
		hasCLE := true
		patch.HasCLE = &hasCLE
	}
	if candidate.CLECredits != nil {
		credits := candidate.CLECredits
		patch.CLECredits = &credits
	}
	if len(candidate.Metadata) > 0 {
		metadata := candidate.Metadata
		patch.Metadata = &metadata
	}
	return patch
}

// detectConflict reports when a trusted source rewrites the core fields of
// an event another source last wrote under the same externalId.
func detectConflict(existing *models.Event, candidate models.Event, source string) *models.IdentityConflictError {
	lastWriter := existing.UpdatedBy
	if lastWriter == "" {
		lastWriter = existing.SubmittedBy
	}
	if lastWriter == "" || lastWriter == source {
		return nil
	}

	var fields []string
	if NormalizeName(existing.Name) != NormalizeName(candidate.Name) {
		fields = append(fields, "name")
	}
	if !existing.StartDate.Equal(candidate.StartDate) {
		fields = append(fields, "startDate")
	}
	if len(fields) == 0 {
		return nil
	}
	return &models.IdentityConflictError{
		ExternalID:     candidate.ExternalID,
		EventID:        existing.ID,
		ExistingSource: lastWriter,
		IncomingSource: source,
		Fields:         fields,
	}
}

func newRecordError(index int, raw models.RawEvent, err error) RecordError {
	re := RecordError{
		Index:   index,
		Name:    raw.String(),
		Kind:    models.ErrorKind(err),
		Message: err.Error(),
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		re.Field = ve.Field
	}
	return re
}

func (m *Merger) recordError(ctx context.Context, source string, raw models.RawEvent, eventID string, err error) {
	if m.errorLog == nil {
		return
	}
	entry := models.IngestionError{
		Source:     source,
		ErrorType:  string(models.IngestionErrorTypeFor(err)),
		RecordName: raw.String(),
		ExternalID: raw.ExternalID,
		EventID:    eventID,
		ErrorMsg:   err.Error(),
		Metadata:   "{}",
		CreatedAt:  m.now().UTC(),
	}
	if payload, marshalErr := json.Marshal(raw); marshalErr == nil {
		entry.Metadata = string(payload)
	}

	// The batch context may already be cancelled; the log write gets its own budget.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StoreTimeout)
	defer cancel()
	if storeErr := m.errorLog.Store(logCtx, entry); storeErr != nil {
		m.logger.Error("failed to store ingestion error", "source", source, "error", storeErr)
	}
}

func (m *Merger) logActivity(ctx context.Context, result IngestResult, duration time.Duration) {
	if m.activity == nil {
		return
	}
	count := result.Created + result.Updated
	durationMs := int(duration.Milliseconds())
	entry := models.ActivityLog{
		Timestamp:    m.now().UTC(),
		ActivityType: models.ActivityTypeIngest,
		Actor:        result.Source,
		Message: fmt.Sprintf("Ingested %d of %d records from %s (%d created, %d updated, %d failed)",
			count, result.Received, result.Source, result.Created, result.Updated, result.Failed),
		Details: map[string]interface{}{
			"trusted":   result.Trusted,
			"failed":    result.Failed,
			"conflicts": len(result.Conflicts),
			"aborted":   result.Aborted,
			"skipped":   result.Skipped,
		},
		RecordCount: &count,
		DurationMs:  &durationMs,
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StoreTimeout)
	defer cancel()
	if err := m.activity.Log(logCtx, entry); err != nil {
		m.logger.Error("failed to log ingest activity", "source", result.Source, "error", err)
	}
}

func (m *Merger) publish(ctx context.Context, typ notify.Type, event *models.Event, source string) {
	n := notify.NewNotification(typ, event.ID, source, notify.EventPayload(event))
	if err := m.publisher.Publish(ctx, n); err != nil {
		m.logger.Warn("failed to publish notification",
			"type", typ,
			"event_id", event.ID,
			"error", err,
		)
	}
}

func (m *Merger) count(source, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordIngest(source, outcome)
	}
}
