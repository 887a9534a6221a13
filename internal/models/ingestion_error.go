package models

import (
	"time"
)

// IngestionError records a rejected or flagged incoming record for operator review.
type IngestionError struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`     // ingestion source name, e.g. "scraper:barassoc", "manual"
	ErrorType  string     `json:"error_type"` // one of the IngestionErrorType values
	RecordName string     `json:"record_name"`
	ExternalID string     `json:"external_id,omitempty"`
	EventID    string     `json:"event_id,omitempty"`
	ErrorMsg   string     `json:"error_msg"`
	Metadata   string     `json:"metadata"` // Additional JSON metadata
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IngestionErrorType categorizes ingestion errors.
type IngestionErrorType string

const (
	ErrorTypeValidation       IngestionErrorType = "validation"
	ErrorTypeIdentityConflict IngestionErrorType = "identity_conflict"
	ErrorTypeStoreUnavailable IngestionErrorType = "store_unavailable"
	ErrorTypeStoreFailed      IngestionErrorType = "store_failed"
	ErrorTypeFeedFetchFailed  IngestionErrorType = "feed_fetch_failed"
	ErrorTypeParsingFailed    IngestionErrorType = "parsing_failed"
)

// IngestionErrorTypeFor maps an error to its IngestionErrorType.
func IngestionErrorTypeFor(err error) IngestionErrorType {
	switch ErrorKind(err) {
	case "validation":
		return ErrorTypeValidation
	case "identity_conflict":
		return ErrorTypeIdentityConflict
	case "store_unavailable":
		return ErrorTypeStoreUnavailable
	default:
		return ErrorTypeStoreFailed
	}
}
