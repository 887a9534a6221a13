package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
	"github.com/google/uuid"
)

// EventStore is the durable record of events, locations and communities.
// All writes are single-row; implementations set UpdatedAt on every mutation.
type EventStore interface {
	// Get retrieves an event with its location and community joined, or nil.
	Get(ctx context.Context, id string) (*models.Event, error)

	// FindByExternalID retrieves the event carrying the source-assigned id, or nil.
	FindByExternalID(ctx context.Context, externalID string) (*models.Event, error)

	// FindByNameAndStart returns the earliest-created event with the same
	// normalized name and start instant, or nil.
	FindByNameAndStart(ctx context.Context, name string, start time.Time) (*models.Event, error)

	// Create stores a new event and returns it with id and timestamps assigned.
	Create(ctx context.Context, event models.Event) (*models.Event, error)

	// Update applies a partial update and returns the stored result.
	Update(ctx context.Context, id string, patch models.EventPatch) (*models.Event, error)

	// Delete hard-removes an event.
	Delete(ctx context.Context, id string) error

	// DeleteMatching removes the event only if it still matches filter at
	// the time of the delete. It reports whether a row was removed.
	DeleteMatching(ctx context.Context, id string, filter models.EventFilter) (bool, error)

	// Query lists events matching the filter ordered by start date.
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)

	// FindOrCreateLocation reuses a location by name or creates it.
	FindOrCreateLocation(ctx context.Context, name string) (*models.Location, error)

	// FindOrCreateCommunity reuses a community by name or creates it.
	FindOrCreateCommunity(ctx context.Context, name string) (*models.Community, error)
}

// MemoryEventStore implements EventStore in memory for tests and local development.
type MemoryEventStore struct {
	mu          sync.RWMutex
	events      map[string]models.Event
	externalIdx map[string]string // externalID -> ID
	locations   map[string]models.Location
	communities map[string]models.Community
	now         func() time.Time
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:      make(map[string]models.Event),
		externalIdx: make(map[string]string),
		locations:   make(map[string]models.Location),
		communities: make(map[string]models.Community),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for CreatedAt/UpdatedAt.
func (s *MemoryEventStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get retrieves an event by ID.
func (s *MemoryEventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return s.joined(event), nil
}

// FindByExternalID retrieves an event by its external id.
func (s *MemoryEventStore) FindByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	if externalID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.externalIdx[externalID]
	if !ok {
		return nil, nil
	}
	return s.joined(s.events[id]), nil
}

// FindByNameAndStart returns the earliest-created event matching the fallback key.
func (s *MemoryEventStore) FindByNameAndStart(ctx context.Context, name string, start time.Time) (*models.Event, error) {
	key := NormalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Event
	for _, event := range s.events {
		if NormalizeName(event.Name) != key || !event.StartDate.Equal(start) {
			continue
		}
		if best == nil || createdBefore(event, *best) {
			e := event
			best = &e
		}
	}
	if best == nil {
		return nil, nil
	}
	return s.joined(*best), nil
}

// Create stores a new event.
func (s *MemoryEventStore) Create(ctx context.Context, event models.Event) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if _, exists := s.events[event.ID]; exists {
		return nil, fmt.Errorf("event %s already exists", event.ID)
	}
	if event.ExternalID != "" {
		if _, taken := s.externalIdx[event.ExternalID]; taken {
			return nil, fmt.Errorf("duplicate external id %q", event.ExternalID)
		}
	}

	now := s.now()
	event.CreatedAt = now
	event.UpdatedAt = now
	if event.SubmittedAt.IsZero() {
		event.SubmittedAt = now
	}
	event.NormalizeDates()
	event.Location = nil
	event.Community = nil

	stored := cloneEvent(event)
	s.events[event.ID] = stored
	if event.ExternalID != "" {
		s.externalIdx[event.ExternalID] = event.ID
	}
	return s.joined(stored), nil
}

// Update applies a partial update.
func (s *MemoryEventStore) Update(ctx context.Context, id string, patch models.EventPatch) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, models.ErrEventNotFound)
	}

	if patch.ExpectStatus != nil && event.Status != *patch.ExpectStatus {
		return nil, &models.StatusMismatchError{Expected: *patch.ExpectStatus, Actual: event.Status}
	}

	oldExternal := event.ExternalID
	patch.Apply(&event)
	if event.ExternalID != oldExternal && event.ExternalID != "" {
		if owner, taken := s.externalIdx[event.ExternalID]; taken && owner != id {
			return nil, fmt.Errorf("duplicate external id %q", event.ExternalID)
		}
	}
	event.UpdatedAt = s.now()

	if oldExternal != event.ExternalID {
		delete(s.externalIdx, oldExternal)
		if event.ExternalID != "" {
			s.externalIdx[event.ExternalID] = id
		}
	}
	s.events[id] = cloneEvent(event)
	return s.joined(event), nil
}

// Delete removes an event.
func (s *MemoryEventStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, models.ErrEventNotFound)
	}
	if event.ExternalID != "" {
		delete(s.externalIdx, event.ExternalID)
	}
	delete(s.events, id)
	return nil
}

// DeleteMatching removes an event if it still matches filter.
func (s *MemoryEventStore) DeleteMatching(ctx context.Context, id string, filter models.EventFilter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok || !filter.Matches(event) {
		return false, nil
	}
	if event.ExternalID != "" {
		delete(s.externalIdx, event.ExternalID)
	}
	delete(s.events, id)
	return true, nil
}

// Query retrieves events matching the filter.
func (s *MemoryEventStore) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matching := make([]models.Event, 0)
	for _, event := range s.events {
		if filter.Matches(event) {
			matching = append(matching, *s.joined(event))
		}
	}

	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].StartDate.Equal(matching[j].StartDate) {
			return matching[i].StartDate.Before(matching[j].StartDate)
		}
		return matching[i].ID < matching[j].ID
	})

	if filter.Limit > 0 && len(matching) > filter.Limit {
		matching = matching[:filter.Limit]
	}
	return matching, nil
}

// FindOrCreateLocation matches by case-insensitive name, then substring, then creates.
func (s *MemoryEventStore) FindOrCreateLocation(ctx context.Context, name string) (*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id := findByName(name, s.locationNames()); id != "" {
		loc := s.locations[id]
		return &loc, nil
	}

	loc := models.Location{ID: uuid.New().String(), Name: name}
	s.locations[loc.ID] = loc
	return &loc, nil
}

// FindOrCreateCommunity matches by case-insensitive name, then substring, then creates.
func (s *MemoryEventStore) FindOrCreateCommunity(ctx context.Context, name string) (*models.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id := findByName(name, s.communityNames()); id != "" {
		c := s.communities[id]
		return &c, nil
	}

	c := models.Community{ID: uuid.New().String(), Name: name}
	s.communities[c.ID] = c
	return &c, nil
}

// Size returns the number of events in the store.
func (s *MemoryEventStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LocationCount returns the number of locations in the store.
func (s *MemoryEventStore) LocationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locations)
}

func (s *MemoryEventStore) locationNames() map[string]string {
	names := make(map[string]string, len(s.locations))
	for id, loc := range s.locations {
		names[id] = loc.Name
	}
	return names
}

func (s *MemoryEventStore) communityNames() map[string]string {
	names := make(map[string]string, len(s.communities))
	for id, c := range s.communities {
		names[id] = c.Name
	}
	return names
}

// joined returns a copy of event with Location and Community attached.
func (s *MemoryEventStore) joined(event models.Event) *models.Event {
	out := cloneEvent(event)
	if loc, ok := s.locations[event.LocationID]; ok {
		out.Location = &loc
	}
	if c, ok := s.communities[event.CommunityID]; ok {
		out.Community = &c
	}
	return &out
}

// findByName returns the id whose name equals name ignoring case, else the
// first (by id) whose name contains it.
func findByName(name string, names map[string]string) string {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return ""
	}

	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if strings.ToLower(names[id]) == needle {
			return id
		}
	}
	for _, id := range ids {
		if strings.Contains(strings.ToLower(names[id]), needle) {
			return id
		}
	}
	return ""
}

func createdBefore(a, b models.Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneEvent(e models.Event) models.Event {
	if e.Category != nil {
		e.Category = append([]string(nil), e.Category...)
	}
	if e.Tags != nil {
		e.Tags = append([]string(nil), e.Tags...)
	}
	if e.Metadata != nil {
		e.Metadata = append([]byte(nil), e.Metadata...)
	}
	if e.CLECredits != nil {
		v := *e.CLECredits
		e.CLECredits = &v
	}
	return e
}

// MemoryErrorLog implements ErrorLog in memory.
type MemoryErrorLog struct {
	mu      sync.Mutex
	entries []models.IngestionError
}

// NewMemoryErrorLog creates an empty in-memory error log.
func NewMemoryErrorLog() *MemoryErrorLog {
	return &MemoryErrorLog{}
}

// Store appends an entry, assigning an id when missing.
func (l *MemoryErrorLog) Store(ctx context.Context, entry models.IngestionError) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the stored entries.
func (l *MemoryErrorLog) Entries() []models.IngestionError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.IngestionError(nil), l.entries...)
}

// List returns up to limit entries, newest first.
func (l *MemoryErrorLog) List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []models.IngestionError{}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if unresolvedOnly && l.entries[i].Resolved {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkResolved flags the entry with id as resolved. Unknown ids are ignored.
func (l *MemoryErrorLog) MarkResolved(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id && !l.entries[i].Resolved {
			now := time.Now().UTC()
			l.entries[i].Resolved = true
			l.entries[i].ResolvedAt = &now
		}
	}
	return nil
}

// CountUnresolved counts entries not yet resolved.
func (l *MemoryErrorLog) CountUnresolved(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if !e.Resolved {
			n++
		}
	}
	return n, nil
}

// MemoryActivityLog implements ActivityLogger in memory.
type MemoryActivityLog struct {
	mu      sync.Mutex
	entries []models.ActivityLog
}

// NewMemoryActivityLog creates an empty in-memory activity log.
func NewMemoryActivityLog() *MemoryActivityLog {
	return &MemoryActivityLog{}
}

// Log appends an entry.
func (l *MemoryActivityLog) Log(ctx context.Context, entry models.ActivityLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the logged activity.
func (l *MemoryActivityLog) Entries() []models.ActivityLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ActivityLog(nil), l.entries...)
}

// List returns up to limit entries, newest first, optionally of one type.
func (l *MemoryActivityLog) List(ctx context.Context, limit int, activityType string) ([]models.ActivityLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []models.ActivityLog{}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if activityType != "" && string(l.entries[i].ActivityType) != activityType {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
