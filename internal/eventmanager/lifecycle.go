package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/models"
	"github.com/barcalendar/eventcore/internal/notify"
)

// Trigger names who or what requests a status change.
type Trigger string

const (
	TriggerSubmission       Trigger = "submission"
	TriggerTrustedIngestion Trigger = "trusted_ingestion"
	TriggerModerator        Trigger = "moderator"
	TriggerSweeper          Trigger = "sweeper"
)

// AllTriggers lists every trigger.
var AllTriggers = []Trigger{TriggerSubmission, TriggerTrustedIngestion, TriggerModerator, TriggerSweeper}

type transition struct {
	from models.EventStatus
	to   models.EventStatus
}

// transitions is the complete table of legal status changes. The empty
// from-status stands for an event that does not exist yet. Deletion by the
// sweeper is not a status and is handled in sweeper.go.
var transitions = map[transition]Trigger{
	{"", models.EventStatusPending}:                           TriggerSubmission,
	{"", models.EventStatusApproved}:                          TriggerTrustedIngestion,
	{models.EventStatusPending, models.EventStatusApproved}:   TriggerModerator,
	{models.EventStatusPending, models.EventStatusDenied}:     TriggerModerator,
	{models.EventStatusApproved, models.EventStatusFeatured}:  TriggerModerator,
	{models.EventStatusFeatured, models.EventStatusApproved}:  TriggerModerator,
	{models.EventStatusPending, models.EventStatusCancelled}:  TriggerModerator,
	{models.EventStatusApproved, models.EventStatusCancelled}: TriggerModerator,
	{models.EventStatusFeatured, models.EventStatusCancelled}: TriggerModerator,
	{models.EventStatusDenied, models.EventStatusArchived}:    TriggerSweeper,
}

// CanTransition reports whether trigger may move an event from one status to another.
func CanTransition(from, to models.EventStatus, trigger Trigger) bool {
	allowed, ok := transitions[transition{from, to}]
	return ok && allowed == trigger
}

// ValidateTransition returns an InvalidTransitionError when the change is not allowed.
func ValidateTransition(from, to models.EventStatus, trigger Trigger) error {
	if CanTransition(from, to, trigger) {
		return nil
	}
	return &models.InvalidTransitionError{From: from, To: to, Trigger: string(trigger)}
}

// InitialStatus is the status a newly created event receives.
func InitialStatus(trusted bool) models.EventStatus {
	if trusted {
		return models.EventStatusApproved
	}
	return models.EventStatusPending
}

// ActivityLogger defines the interface for logging activity.
type ActivityLogger interface {
	Log(ctx context.Context, log models.ActivityLog) error
}

// TransitionMetrics counts applied status changes.
type TransitionMetrics interface {
	RecordTransition(to string)
}

// ManagerConfig holds configuration for the lifecycle manager.
type ManagerConfig struct {
	StoreTimeout time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{StoreTimeout: 5 * time.Second}
}

// Manager applies moderator and sweeper actions to stored events.
type Manager struct {
	store     ingestion.EventStore
	activity  ActivityLogger
	publisher notify.Publisher
	metrics   TransitionMetrics
	config    ManagerConfig
	logger    *slog.Logger
}

// NewManager creates a lifecycle manager. activity, publisher and metrics may be nil.
func NewManager(
	store ingestion.EventStore,
	activity ActivityLogger,
	publisher notify.Publisher,
	metrics TransitionMetrics,
	logger *slog.Logger,
	config ManagerConfig,
) *Manager {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultManagerConfig().StoreTimeout
	}
	return &Manager{
		store:     store,
		activity:  activity,
		publisher: publisher,
		metrics:   metrics,
		config:    config,
		logger:    logger,
	}
}

// Get retrieves an event with its location and community.
func (m *Manager) Get(ctx context.Context, id string) (*models.Event, error) {
	event, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("get %s: %w", id, models.ErrEventNotFound)
	}
	return event, nil
}

// List returns events in any of statuses, ordered by start date.
func (m *Manager) List(ctx context.Context, statuses []models.EventStatus, limit int) ([]models.Event, error) {
	var events []models.Event
	err := m.call(ctx, "query", func(ctx context.Context) error {
		var queryErr error
		events, queryErr = m.store.Query(ctx, models.EventFilter{Statuses: statuses, Limit: limit})
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// SetStatus applies a moderator status change. notes, when given, are
// appended to the event's moderation notes.
func (m *Manager) SetStatus(ctx context.Context, id string, status models.EventStatus, actor, notes string) (*models.Event, error) {
	event, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.transition(ctx, event, status, TriggerModerator, actor, notes)
}

// maxTransitionAttempts bounds how often a transition is re-validated after
// losing a race with a concurrent status change.
const maxTransitionAttempts = 3

// transition validates and persists a status change for an already loaded
// event. The write is conditional on the status the check was made against.
func (m *Manager) transition(ctx context.Context, event *models.Event, to models.EventStatus, trigger Trigger, actor, notes string) (*models.Event, error) {
	var updated *models.Event
	for attempt := 1; ; attempt++ {
		if err := ValidateTransition(event.Status, to, trigger); err != nil {
			m.logger.Info("rejected status change",
				"event_id", event.ID,
				"from", event.Status,
				"to", to,
				"trigger", trigger,
				"actor", actor,
			)
			return nil, err
		}

		from := event.Status
		patch := models.EventPatch{Status: &to, UpdatedBy: &actor, ExpectStatus: &from}
		if trimmed := strings.TrimSpace(notes); trimmed != "" {
			combined := trimmed
			if event.Notes != "" {
				combined = event.Notes + "\n" + trimmed
			}
			patch.Notes = &combined
		}

		err := m.call(ctx, "update_status", func(ctx context.Context) error {
			var updateErr error
			updated, updateErr = m.store.Update(ctx, event.ID, patch)
			return updateErr
		})
		var mismatch *models.StatusMismatchError
		if errors.As(err, &mismatch) {
			if attempt == maxTransitionAttempts {
				return nil, &models.InvalidTransitionError{From: mismatch.Actual, To: to, Trigger: string(trigger)}
			}
			m.logger.Debug("status changed concurrently, revalidating",
				"event_id", event.ID,
				"expected", mismatch.Expected,
				"actual", mismatch.Actual,
			)
			if event, err = m.Get(ctx, event.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update status of %s: %w", event.ID, err)
		}
		break
	}

	m.logger.Info("event status changed",
		"event_id", event.ID,
		"from", event.Status,
		"to", to,
		"trigger", trigger,
		"actor", actor,
	)
	if m.metrics != nil {
		m.metrics.RecordTransition(string(to))
	}
	m.logActivity(ctx, models.ActivityLog{
		ActivityType: models.ActivityTypeStatusChange,
		Actor:        actor,
		EventID:      event.ID,
		Message:      fmt.Sprintf("Status of %q changed from %s to %s", event.Name, event.Status, to),
		Details: map[string]interface{}{
			"from":    event.Status,
			"to":      to,
			"trigger": trigger,
		},
	})
	m.publish(ctx, notify.NewNotification(notify.TypeStatusChanged, event.ID, actor, notify.EventPayload(updated)))

	return updated, nil
}

// EditEvent applies a moderator edit. The edit passes through the same
// sanitizer as ingested records; empty fields keep their stored value and
// the status is never changed.
func (m *Manager) EditEvent(ctx context.Context, id string, edit models.RawEvent, actor string) (*models.Event, error) {
	existing, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(edit.Name) == "" {
		edit.Name = existing.Name
	}
	moved := strings.TrimSpace(edit.StartDate) != ""
	keepDuration := moved && strings.TrimSpace(edit.EndDate) == ""
	if !moved {
		edit.StartDate = existing.StartDate.UTC().Format(time.RFC3339)
		if strings.TrimSpace(edit.EndDate) == "" {
			edit.EndDate = existing.EndDate.UTC().Format(time.RFC3339)
		}
	}

	candidate, err := ingestion.Normalize(edit)
	if err != nil {
		return nil, err
	}
	if keepDuration {
		// A rescheduled event keeps its stored length.
		candidate.EndDate = candidate.StartDate.Add(existing.EndDate.Sub(existing.StartDate))
	}
	if err := m.attachRelations(ctx, &candidate); err != nil {
		return nil, err
	}

	patch := ingestion.MergePatch(candidate)
	patch.UpdatedBy = &actor
	if existing.ExternalID != "" {
		patch.ExternalID = nil
	}

	var updated *models.Event
	err = m.call(ctx, "update", func(ctx context.Context) error {
		var updateErr error
		updated, updateErr = m.store.Update(ctx, id, patch)
		return updateErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to edit event %s: %w", id, err)
	}

	m.logger.Info("event edited", "event_id", id, "actor", actor)
	m.logActivity(ctx, models.ActivityLog{
		ActivityType: models.ActivityTypeEdit,
		Actor:        actor,
		EventID:      id,
		Message:      fmt.Sprintf("Edited %q", updated.Name),
	})
	m.publish(ctx, notify.NewNotification(notify.TypeEventUpdated, id, actor, notify.EventPayload(updated)))

	return updated, nil
}

// DeleteEvent hard-deletes an event on an administrator's request.
func (m *Manager) DeleteEvent(ctx context.Context, id, actor string) error {
	existing, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	err = m.call(ctx, "delete", func(ctx context.Context) error {
		return m.store.Delete(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}

	m.logger.Info("event deleted", "event_id", id, "actor", actor)
	m.logActivity(ctx, models.ActivityLog{
		ActivityType: models.ActivityTypeDelete,
		Actor:        actor,
		EventID:      id,
		Message:      fmt.Sprintf("Deleted %q", existing.Name),
	})
	m.publish(ctx, notify.NewNotification(notify.TypeEventDeleted, id, actor, notify.EventPayload(existing)))
	return nil
}

func (m *Manager) attachRelations(ctx context.Context, candidate *models.Event) error {
	if candidate.LocationText != "" {
		err := m.call(ctx, "find_or_create_location", func(ctx context.Context) error {
			loc, err := m.store.FindOrCreateLocation(ctx, candidate.LocationText)
			if err == nil {
				candidate.LocationID = loc.ID
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("resolve location: %w", err)
		}
	}
	if candidate.CommunityText != "" {
		err := m.call(ctx, "find_or_create_community", func(ctx context.Context) error {
			c, err := m.store.FindOrCreateCommunity(ctx, candidate.CommunityText)
			if err == nil {
				candidate.CommunityID = c.ID
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("resolve community: %w", err)
		}
	}
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*models.Event, error) {
	var event *models.Event
	err := m.call(ctx, "get", func(ctx context.Context) error {
		var getErr error
		event, getErr = m.store.Get(ctx, id)
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return event, nil
}

func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return ingestion.CallStore(ctx, m.config.StoreTimeout, op, fn)
}

func (m *Manager) logActivity(ctx context.Context, entry models.ActivityLog) {
	if m.activity == nil {
		return
	}
	entry.Timestamp = time.Now().UTC()
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StoreTimeout)
	defer cancel()
	if err := m.activity.Log(logCtx, entry); err != nil {
		m.logger.Error("failed to log activity", "type", entry.ActivityType, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, n notify.Notification) {
	if err := m.publisher.Publish(ctx, n); err != nil {
		m.logger.Warn("failed to publish notification", "type", n.Type, "event_id", n.EventID, "error", err)
	}
}
