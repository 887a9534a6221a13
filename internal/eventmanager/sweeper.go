package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/models"
)

// Operation names one sweep category.
type Operation string

const (
	OperationPast       Operation = "past"
	OperationCancelled  Operation = "cancelled"
	OperationDenied     Operation = "denied"
	OperationDuplicates Operation = "duplicates"
)

// AllOperations lists the sweep categories in the order they run.
var AllOperations = []Operation{OperationPast, OperationCancelled, OperationDenied, OperationDuplicates}

// ParseOperations validates requested operation names. An empty list selects
// every operation. The result is always in canonical order.
func ParseOperations(names []string) ([]Operation, error) {
	if len(names) == 0 {
		return AllOperations, nil
	}
	requested := make(map[Operation]bool, len(names))
	for _, name := range names {
		op := Operation(strings.ToLower(strings.TrimSpace(name)))
		if op == "" {
			continue
		}
		known := false
		for _, candidate := range AllOperations {
			if op == candidate {
				known = true
				break
			}
		}
		if !known {
			return nil, &models.ValidationError{Field: "operations", Message: fmt.Sprintf("unknown sweep operation %q", name)}
		}
		requested[op] = true
	}
	if len(requested) == 0 {
		return AllOperations, nil
	}
	ops := make([]Operation, 0, len(requested))
	for _, op := range AllOperations {
		if requested[op] {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// SampleRecord identifies one affected event in a sweep report.
type SampleRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
}

// OperationResult reports one sweep category.
type OperationResult struct {
	Operation Operation      `json:"operation"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Error     string         `json:"error,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	Sample    []SampleRecord `json:"sample"`
}

// SweepResult reports a full sweep run.
type SweepResult struct {
	Operations []OperationResult `json:"operations"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMs int64             `json:"duration_ms"`
}

// Total returns the number of events affected across all operations.
func (r SweepResult) Total() int {
	total := 0
	for _, op := range r.Operations {
		total += op.Succeeded
	}
	return total
}

// SweepMetrics counts sweep outcomes.
type SweepMetrics interface {
	RecordSweep(operation, result string, n int)
}

// SweeperConfig holds retention windows for the sweeper.
type SweeperConfig struct {
	PastRetention      time.Duration // active events are removed this long after they end
	CancelledRetention time.Duration
	DeniedRetention    time.Duration // denied events are archived this long after their last update
	SampleSize         int
	StoreTimeout       time.Duration
}

// DefaultSweeperConfig returns the standard retention windows.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		PastRetention:      24 * time.Hour,
		CancelledRetention: 24 * time.Hour,
		DeniedRetention:    7 * 24 * time.Hour,
		SampleSize:         10,
		StoreTimeout:       5 * time.Second,
	}
}

const sweepActor = "sweeper"

// Sweeper retires stale events and reconciles duplicates.
type Sweeper struct {
	store    ingestion.EventStore
	manager  *Manager
	activity ActivityLogger
	metrics  SweepMetrics
	config   SweeperConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. Archival goes through manager so that the
// transition table is enforced; activity and metrics may be nil.
func NewSweeper(store ingestion.EventStore, manager *Manager, activity ActivityLogger, metrics SweepMetrics, logger *slog.Logger, config SweeperConfig) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.SampleSize <= 0 {
		config.SampleSize = defaults.SampleSize
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if manager == nil {
		manager = NewManager(store, activity, nil, nil, logger, ManagerConfig{StoreTimeout: config.StoreTimeout})
	}
	return &Sweeper{
		store:    store,
		manager:  manager,
		activity: activity,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for retention cutoffs.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// RunSweep runs the requested operations in canonical order. A failing
// operation stops at the failing record; when the store is unavailable the
// remaining operations are reported as skipped.
func (s *Sweeper) RunSweep(ctx context.Context, ops []Operation) SweepResult {
	if len(ops) == 0 {
		ops = AllOperations
	}
	requested := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		requested[op] = true
	}

	started := s.now()
	result := SweepResult{StartedAt: started.UTC()}
	storeDown := false

	for _, op := range AllOperations {
		if !requested[op] {
			continue
		}
		opResult := OperationResult{Operation: op, Sample: []SampleRecord{}}
		if storeDown {
			opResult.Skipped = true
			result.Operations = append(result.Operations, opResult)
			s.record(op, "skipped", 1)
			continue
		}

		err := s.runOperation(ctx, op, started, &opResult)
		if err != nil {
			opResult.Failed++
			opResult.Error = err.Error()
			if models.IsStoreUnavailable(err) {
				storeDown = true
				s.logger.Error("sweep aborted, store unavailable",
					"operation", op,
					"succeeded", opResult.Succeeded,
					"error", err,
				)
			} else {
				s.logger.Error("sweep operation failed",
					"operation", op,
					"succeeded", opResult.Succeeded,
					"error", err,
				)
			}
			s.record(op, "failed", 1)
		}

		s.record(op, "succeeded", opResult.Succeeded)
		s.logger.Info("sweep operation completed",
			"operation", op,
			"succeeded", opResult.Succeeded,
			"failed", opResult.Failed,
			"sample", sampleIDs(opResult.Sample),
		)
		result.Operations = append(result.Operations, opResult)
	}

	result.DurationMs = s.now().Sub(started).Milliseconds()
	s.logActivity(ctx, result)
	return result
}

func (s *Sweeper) runOperation(ctx context.Context, op Operation, now time.Time, res *OperationResult) error {
	switch op {
	case OperationPast:
		cutoff := now.Add(-s.config.PastRetention)
		return s.deleteMatching(ctx, models.EventFilter{Statuses: models.ActiveStatuses, EndBefore: &cutoff}, res)
	case OperationCancelled:
		cutoff := now.Add(-s.config.CancelledRetention)
		return s.deleteMatching(ctx, models.EventFilter{
			Statuses:      []models.EventStatus{models.EventStatusCancelled},
			UpdatedBefore: &cutoff,
		}, res)
	case OperationDenied:
		return s.archiveDenied(ctx, now, res)
	case OperationDuplicates:
		return s.removeDuplicates(ctx, res)
	default:
		return fmt.Errorf("unknown sweep operation %q", op)
	}
}

func (s *Sweeper) deleteMatching(ctx context.Context, filter models.EventFilter, res *OperationResult) error {
	events, err := s.query(ctx, filter)
	if err != nil {
		return err
	}
	for _, event := range events {
		deleted, err := s.delete(ctx, event, filter)
		if err != nil {
			return err
		}
		if deleted {
			s.affected(res, event)
		}
	}
	return nil
}

func (s *Sweeper) archiveDenied(ctx context.Context, now time.Time, res *OperationResult) error {
	cutoff := now.Add(-s.config.DeniedRetention)
	events, err := s.query(ctx, models.EventFilter{
		Statuses:          []models.EventStatus{models.EventStatusDenied},
		UpdatedAtOrBefore: &cutoff,
	})
	if err != nil {
		return err
	}
	for i := range events {
		event := events[i]
		if _, err := s.manager.transition(ctx, &event, models.EventStatusArchived, TriggerSweeper, sweepActor, ""); err != nil {
			var invalid *models.InvalidTransitionError
			if errors.Is(err, models.ErrEventNotFound) || errors.As(err, &invalid) {
				// Gone or moved out of DENIED since the query.
				continue
			}
			return err
		}
		s.affected(res, event)
	}
	return nil
}

// removeDuplicates groups events by identity key and keeps the earliest
// created one of each group.
func (s *Sweeper) removeDuplicates(ctx context.Context, res *OperationResult) error {
	events, err := s.query(ctx, models.EventFilter{})
	if err != nil {
		return err
	}

	groups := make(map[string][]models.Event)
	var keys []string
	for _, event := range events {
		key := ingestion.Fingerprint(event)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], event)
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		for _, dup := range group[1:] {
			deleted, err := s.delete(ctx, dup, models.EventFilter{})
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			s.logger.Debug("removed duplicate event", "event_id", dup.ID, "kept", group[0].ID)
			s.affected(res, dup)
		}
	}
	return nil
}

func (s *Sweeper) query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	var events []models.Event
	err := ingestion.CallStore(ctx, s.config.StoreTimeout, "query", func(ctx context.Context) error {
		var queryErr error
		events, queryErr = s.store.Query(ctx, filter)
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// delete removes one event if it still matches filter. An event that is
// gone or no longer qualifies is left alone and not counted.
func (s *Sweeper) delete(ctx context.Context, event models.Event, filter models.EventFilter) (bool, error) {
	var deleted bool
	err := ingestion.CallStore(ctx, s.config.StoreTimeout, "delete", func(ctx context.Context) error {
		var deleteErr error
		deleted, deleteErr = s.store.DeleteMatching(ctx, event.ID, filter)
		return deleteErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete event %s: %w", event.ID, err)
	}
	if !deleted {
		s.logger.Debug("event no longer qualifies, left in place", "event_id", event.ID)
	}
	return deleted, nil
}

func (s *Sweeper) affected(res *OperationResult, event models.Event) {
	res.Succeeded++
	if len(res.Sample) < s.config.SampleSize {
		res.Sample = append(res.Sample, SampleRecord{ID: event.ID, Name: event.Name, StartDate: event.StartDate})
	}
}

func (s *Sweeper) record(op Operation, result string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.RecordSweep(string(op), result, n)
	}
}

func (s *Sweeper) logActivity(ctx context.Context, result SweepResult) {
	if s.activity == nil {
		return
	}
	details := make(map[string]interface{}, len(result.Operations))
	parts := make([]string, 0, len(result.Operations))
	for _, op := range result.Operations {
		details[string(op.Operation)] = map[string]interface{}{
			"succeeded": op.Succeeded,
			"failed":    op.Failed,
			"skipped":   op.Skipped,
		}
		parts = append(parts, fmt.Sprintf("%s=%d", op.Operation, op.Succeeded))
	}
	total := result.Total()
	duration := int(result.DurationMs)

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
	defer cancel()
	err := s.activity.Log(logCtx, models.ActivityLog{
		Timestamp:    time.Now().UTC(),
		ActivityType: models.ActivityTypeSweep,
		Actor:        sweepActor,
		Message:      "Sweep completed: " + strings.Join(parts, ", "),
		Details:      details,
		RecordCount:  &total,
		DurationMs:   &duration,
	})
	if err != nil {
		s.logger.Error("failed to log sweep activity", "error", err)
	}
}

func sampleIDs(sample []SampleRecord) []string {
	ids := make([]string, len(sample))
	for i, r := range sample {
		ids[i] = r.ID
	}
	return ids
}
