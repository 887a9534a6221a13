package models

import "time"

// ActivityType represents the type of activity being logged.
type ActivityType string

const (
	ActivityTypeIngest       ActivityType = "ingest"
	ActivityTypeFeedFetch    ActivityType = "feed_fetch"
	ActivityTypeStatusChange ActivityType = "status_change"
	ActivityTypeEdit         ActivityType = "edit"
	ActivityTypeDelete       ActivityType = "delete"
	ActivityTypeSweep        ActivityType = "sweep"
)

// ActivityLog represents a logged activity in the system.
type ActivityLog struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	ActivityType ActivityType           `json:"activity_type"`
	Actor        string                 `json:"actor,omitempty"`
	EventID      string                 `json:"event_id,omitempty"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	RecordCount  *int                   `json:"record_count,omitempty"`
	DurationMs   *int                   `json:"duration_ms,omitempty"`
}
