package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
	"github.com/google/uuid"
)

// IngestionErrorRepository defines the interface for storing and retrieving ingestion errors.
type IngestionErrorRepository interface {
	// Store saves an ingestion error to the repository.
	Store(ctx context.Context, err models.IngestionError) error

	// List retrieves ingestion errors, newest first.
	List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error)

	// MarkResolved marks an error as resolved.
	MarkResolved(ctx context.Context, id string) error

	// CountUnresolved returns the count of unresolved errors.
	CountUnresolved(ctx context.Context) (int, error)
}

// PostgresIngestionErrorRepository implements the IngestionErrorRepository using PostgreSQL.
type PostgresIngestionErrorRepository struct {
	db *sql.DB
}

// NewPostgresIngestionErrorRepository creates a new PostgreSQL-based ingestion error repository.
func NewPostgresIngestionErrorRepository(db *sql.DB) *PostgresIngestionErrorRepository {
	return &PostgresIngestionErrorRepository{db: db}
}

// Store saves an ingestion error to the database.
func (r *PostgresIngestionErrorRepository) Store(ctx context.Context, e models.IngestionError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO ingestion_errors (id, source, error_type, record_name, external_id, event_id, error_msg, metadata, created_at, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.Source,
		e.ErrorType,
		e.RecordName,
		e.ExternalID,
		e.EventID,
		e.ErrorMsg,
		e.Metadata,
		e.CreatedAt,
		e.Resolved,
		e.ResolvedAt,
	)
	return storeError("store_ingestion_error", err)
}

// List retrieves ingestion errors with optional filtering.
func (r *PostgresIngestionErrorRepository) List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, source, error_type, record_name, external_id, event_id, error_msg, metadata, created_at, resolved, resolved_at
		FROM ingestion_errors
	`
	if unresolvedOnly {
		query += " WHERE resolved = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storeError("list_ingestion_errors", err)
	}
	defer rows.Close()

	entries := []models.IngestionError{}
	for rows.Next() {
		var e models.IngestionError
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&e.ID,
			&e.Source,
			&e.ErrorType,
			&e.RecordName,
			&e.ExternalID,
			&e.EventID,
			&e.ErrorMsg,
			&e.Metadata,
			&e.CreatedAt,
			&e.Resolved,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion error: %w", err)
		}
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Time
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkResolved marks an error as resolved.
func (r *PostgresIngestionErrorRepository) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_errors SET resolved = TRUE, resolved_at = NOW() WHERE id = $1`, id)
	return storeError("resolve_ingestion_error", err)
}

// CountUnresolved returns the count of unresolved errors.
func (r *PostgresIngestionErrorRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors WHERE resolved = FALSE`).Scan(&count)
	if err != nil {
		return 0, storeError("count_ingestion_errors", err)
	}
	return count, nil
}
