package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ ingestion.EventStore = (*PostgresEventStore)(nil)

// PostgresEventStore implements ingestion.EventStore using PostgreSQL.
type PostgresEventStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresEventStore creates a store on an already opened handle.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db, now: time.Now}
}

const eventColumns = `
	e.id, e.external_id, e.name, e.description, e.start_date, e.end_date,
	e.location_text, e.location_id, e.community_text, e.community_id,
	e.url, e.image, e.category, e.tags, e.event_type, e.has_cle, e.cle_credits, e.price,
	e.status, e.submitted_by, e.submitted_at, e.updated_by, e.updated_at, e.created_at,
	e.notes, e.metadata, e.cms_id,
	l.id, l.name, l.address, l.city, l.state, l.zip,
	c.id, c.name, c.url, c.description, c.category`

const eventFrom = `
	FROM events e
	LEFT JOIN locations l ON l.id = e.location_id
	LEFT JOIN communities c ON c.id = e.community_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event                   models.Event
		externalID              sql.NullString
		locationID, communityID sql.NullString
		category, tags          pq.StringArray
		credits                 sql.NullFloat64
		status                  string
		metadata                []byte

		locID, locName, locAddress, locCity, locState, locZip sql.NullString
		comID, comName, comURL, comDescription, comCategory   sql.NullString
	)

	err := row.Scan(
		&event.ID, &externalID, &event.Name, &event.Description, &event.StartDate, &event.EndDate,
		&event.LocationText, &locationID, &event.CommunityText, &communityID,
		&event.URL, &event.Image, &category, &tags, &event.EventType, &event.HasCLE, &credits, &event.Price,
		&status, &event.SubmittedBy, &event.SubmittedAt, &event.UpdatedBy, &event.UpdatedAt, &event.CreatedAt,
		&event.Notes, &metadata, &event.CMSID,
		&locID, &locName, &locAddress, &locCity, &locState, &locZip,
		&comID, &comName, &comURL, &comDescription, &comCategory,
	)
	if err != nil {
		return nil, err
	}

	event.ExternalID = externalID.String
	event.LocationID = locationID.String
	event.CommunityID = communityID.String
	event.Category = []string(category)
	event.Tags = []string(tags)
	if credits.Valid {
		v := credits.Float64
		event.CLECredits = &v
	}
	event.Status = models.EventStatus(status)
	if len(metadata) > 0 {
		event.Metadata = json.RawMessage(metadata)
	}
	event.StartDate = event.StartDate.UTC()
	event.EndDate = event.EndDate.UTC()
	event.SubmittedAt = event.SubmittedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()

	if locID.Valid {
		event.Location = &models.Location{
			ID:      locID.String,
			Name:    locName.String,
			Address: locAddress.String,
			City:    locCity.String,
			State:   locState.String,
			Zip:     locZip.String,
		}
	}
	if comID.Valid {
		event.Community = &models.Community{
			ID:          comID.String,
			Name:        comName.String,
			URL:         comURL.String,
			Description: comDescription.String,
			Category:    comCategory.String,
		}
	}
	return &event, nil
}

func (s *PostgresEventStore) getOne(ctx context.Context, op, where string, args ...interface{}) (*models.Event, error) {
	query := "SELECT" + eventColumns + eventFrom + " WHERE " + where
	event, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return event, nil
}

// Get retrieves an event by id with its location and community joined.
func (s *PostgresEventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return s.getOne(ctx, "get", "e.id = $1", id)
}

// FindByExternalID retrieves the event carrying externalID.
func (s *PostgresEventStore) FindByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getOne(ctx, "find_by_external_id", "e.external_id = $1", externalID)
}

// FindByNameAndStart returns the earliest-created event sharing the fallback key.
func (s *PostgresEventStore) FindByNameAndStart(ctx context.Context, name string, start time.Time) (*models.Event, error) {
	return s.getOne(ctx, "find_by_name_and_start",
		"e.name_key = $1 AND e.start_date = $2 ORDER BY e.created_at, e.id LIMIT 1",
		ingestion.NormalizeName(name), start.UTC())
}

// Create inserts a new event, assigning its id and timestamps.
func (s *PostgresEventStore) Create(ctx context.Context, event models.Event) (*models.Event, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	event.CreatedAt = now
	event.UpdatedAt = now
	if event.SubmittedAt.IsZero() {
		event.SubmittedAt = now
	}
	event.NormalizeDates()

	query := `
		INSERT INTO events (
			id, external_id, name, name_key, description, start_date, end_date,
			location_text, location_id, community_text, community_id,
			url, image, category, tags, event_type, has_cle, cle_credits, price,
			status, submitted_by, submitted_at, updated_by, updated_at, created_at,
			notes, metadata, cms_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)
	`
	_, err := s.db.ExecContext(ctx, query, eventArgs(event)...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("duplicate external id %q: %w", event.ExternalID, err)
		}
		return nil, storeError("create", err)
	}
	return s.Get(ctx, event.ID)
}

// Update loads the row under lock, applies patch and writes it back.
func (s *PostgresEventStore) Update(ctx context.Context, id string, patch models.EventPatch) (*models.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("update %s: %w", id, models.ErrEventNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin_update", err)
	}
	defer tx.Rollback()

	query := "SELECT" + eventColumns + eventFrom + " WHERE e.id = $1 FOR UPDATE OF e"
	event, err := scanEvent(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("update %s: %w", id, models.ErrEventNotFound)
	}
	if err != nil {
		return nil, storeError("update", err)
	}

	if patch.ExpectStatus != nil && event.Status != *patch.ExpectStatus {
		return nil, &models.StatusMismatchError{Expected: *patch.ExpectStatus, Actual: event.Status}
	}

	patch.Apply(event)
	event.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	update := `
		UPDATE events SET
			external_id = $2, name = $3, name_key = $4, description = $5,
			start_date = $6, end_date = $7, location_text = $8, location_id = $9,
			community_text = $10, community_id = $11, url = $12, image = $13,
			category = $14, tags = $15, event_type = $16, has_cle = $17,
			cle_credits = $18, price = $19, status = $20, submitted_by = $21,
			submitted_at = $22, updated_by = $23, updated_at = $24, created_at = $25,
			notes = $26, metadata = $27, cms_id = $28
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, update, eventArgs(*event)...); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("duplicate external id %q: %w", event.ExternalID, err)
		}
		return nil, storeError("update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit_update", err)
	}
	return s.Get(ctx, id)
}

// Delete hard-removes an event.
func (s *PostgresEventStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, models.ErrEventNotFound)
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = $1", id)
	if err != nil {
		return storeError("delete", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError("delete", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete %s: %w", id, models.ErrEventNotFound)
	}
	return nil
}

// DeleteMatching removes the event only while it still satisfies filter.
// The filter is evaluated by the DELETE itself.
func (s *PostgresEventStore) DeleteMatching(ctx context.Context, id string, filter models.EventFilter) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	where, args := buildFilter(filter)
	args = append(args, id)
	query := fmt.Sprintf("DELETE FROM events e WHERE e.id = $%d", len(args))
	if where != "" {
		query += " AND " + where
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storeError("delete", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeError("delete", err)
	}
	return rows > 0, nil
}

// Query lists events matching filter ordered by start date.
func (s *PostgresEventStore) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	where, args := buildFilter(filter)
	query := "SELECT" + eventColumns + eventFrom
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY e.start_date, e.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("query", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, storeError("query", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("query", err)
	}
	return events, nil
}

// buildFilter renders filter as a WHERE clause with positional arguments.
func buildFilter(filter models.EventFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(format string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(format, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("e.status = ANY($%d)", pq.Array(statuses))
	}
	if filter.EndBefore != nil {
		add("e.end_date < $%d", filter.EndBefore.UTC())
	}
	if filter.UpdatedBefore != nil {
		add("e.updated_at < $%d", filter.UpdatedBefore.UTC())
	}
	if filter.UpdatedAtOrBefore != nil {
		add("e.updated_at <= $%d", filter.UpdatedAtOrBefore.UTC())
	}
	if filter.StartAfter != nil {
		add("e.start_date > $%d", filter.StartAfter.UTC())
	}
	return strings.Join(clauses, " AND "), args
}

// FindOrCreateLocation reuses a location by case-insensitive name, then by
// substring, and creates it otherwise.
func (s *PostgresEventStore) FindOrCreateLocation(ctx context.Context, name string) (*models.Location, error) {
	name = strings.TrimSpace(name)
	id, err := s.findNamed(ctx, "locations", name)
	if err != nil {
		return nil, storeError("find_location", err)
	}
	if id == "" {
		id = uuid.New().String()
		if _, err := s.db.ExecContext(ctx, "INSERT INTO locations (id, name) VALUES ($1, $2)", id, name); err != nil {
			return nil, storeError("create_location", err)
		}
	}

	var loc models.Location
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, address, city, state, zip FROM locations WHERE id = $1", id,
	).Scan(&loc.ID, &loc.Name, &loc.Address, &loc.City, &loc.State, &loc.Zip)
	if err != nil {
		return nil, storeError("get_location", err)
	}
	return &loc, nil
}

// FindOrCreateCommunity matches like FindOrCreateLocation.
func (s *PostgresEventStore) FindOrCreateCommunity(ctx context.Context, name string) (*models.Community, error) {
	name = strings.TrimSpace(name)
	id, err := s.findNamed(ctx, "communities", name)
	if err != nil {
		return nil, storeError("find_community", err)
	}
	if id == "" {
		id = uuid.New().String()
		if _, err := s.db.ExecContext(ctx, "INSERT INTO communities (id, name) VALUES ($1, $2)", id, name); err != nil {
			return nil, storeError("create_community", err)
		}
	}

	var c models.Community
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, url, description, category FROM communities WHERE id = $1", id,
	).Scan(&c.ID, &c.Name, &c.URL, &c.Description, &c.Category)
	if err != nil {
		return nil, storeError("get_community", err)
	}
	return &c, nil
}

// findNamed is only called with the fixed table names above.
func (s *PostgresEventStore) findNamed(ctx context.Context, table, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE lower(name) = lower($1) OR strpos(lower(name), lower($1)) > 0
		ORDER BY (lower(name) = lower($1)) DESC, id
		LIMIT 1`, table), name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func eventArgs(e models.Event) []interface{} {
	var credits interface{}
	if e.CLECredits != nil {
		credits = *e.CLECredits
	}
	return []interface{}{
		e.ID,
		nullString(e.ExternalID),
		e.Name,
		ingestion.NormalizeName(e.Name),
		e.Description,
		e.StartDate.UTC(),
		e.EndDate.UTC(),
		e.LocationText,
		nullString(e.LocationID),
		e.CommunityText,
		nullString(e.CommunityID),
		e.URL,
		e.Image,
		textArray(e.Category),
		textArray(e.Tags),
		e.EventType,
		e.HasCLE,
		credits,
		e.Price,
		string(e.Status),
		e.SubmittedBy,
		e.SubmittedAt.UTC(),
		e.UpdatedBy,
		e.UpdatedAt.UTC(),
		e.CreatedAt.UTC(),
		e.Notes,
		nullJSON(e.Metadata),
		e.CMSID,
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textArray(items []string) interface{} {
	if items == nil {
		items = []string{}
	}
	return pq.Array(items)
}
