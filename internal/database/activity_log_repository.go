package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
	"github.com/google/uuid"
)

// ActivityLogRepository handles activity log storage and retrieval.
type ActivityLogRepository struct {
	db *sql.DB
}

// NewActivityLogRepository creates a new activity log repository.
func NewActivityLogRepository(db *sql.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Log stores a new activity log entry.
func (r *ActivityLogRepository) Log(ctx context.Context, log models.ActivityLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}

	var detailsJSON []byte
	if log.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO activity_logs (id, timestamp, activity_type, actor, event_id, message, details, record_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.Timestamp,
		log.ActivityType,
		log.Actor,
		log.EventID,
		log.Message,
		nullJSON(detailsJSON),
		log.RecordCount,
		log.DurationMs,
	)
	return storeError("log_activity", err)
}

// List retrieves activity logs, newest first, optionally filtered by type.
func (r *ActivityLogRepository) List(ctx context.Context, limit int, activityType string) ([]models.ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, timestamp, activity_type, actor, event_id, message, details, record_count, duration_ms
		FROM activity_logs
	`
	args := []interface{}{}
	if activityType != "" {
		args = append(args, activityType)
		query += " WHERE activity_type = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list_activity", err)
	}
	defer rows.Close()

	logs := []models.ActivityLog{}
	for rows.Next() {
		var (
			log         models.ActivityLog
			detailsJSON []byte
			count       sql.NullInt64
			duration    sql.NullInt64
		)
		if err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.ActivityType,
			&log.Actor,
			&log.EventID,
			&log.Message,
			&detailsJSON,
			&count,
			&duration,
		); err != nil {
			return nil, err
		}

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &log.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		if count.Valid {
			n := int(count.Int64)
			log.RecordCount = &n
		}
		if duration.Valid {
			n := int(duration.Int64)
			log.DurationMs = &n
		}
		logs = append(logs, log)
	}

	return logs, rows.Err()
}
