package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
)

// MatchKind records which identity tier resolved an incoming record.
type MatchKind string

const (
	MatchExternalID MatchKind = "external_id"
	MatchNameStart  MatchKind = "name_start"
	MatchNone       MatchKind = "none"
)

// Match is the resolver's decision for one incoming record.
type Match struct {
	Event *models.Event
	By    MatchKind
}

// Found reports whether an existing event was matched.
func (m Match) Found() bool {
	return m.Event != nil
}

// Resolver decides whether an incoming record is an event already in the store.
//
// The externalId is the strong identity when a source supplies one. Otherwise
// the (normalized name, start instant) pair is used. Distinct events with the
// same name and start collapse, while a renamed event is treated as new.
type Resolver struct {
	store EventStore
}

// NewResolver creates a resolver reading from store.
func NewResolver(store EventStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks the candidate up by externalId first, then by fallback key.
// The candidate must already be normalized (see Normalize).
func (r *Resolver) Resolve(ctx context.Context, candidate models.Event) (Match, error) {
	if candidate.ExternalID != "" {
		existing, err := r.store.FindByExternalID(ctx, candidate.ExternalID)
		if err != nil {
			return Match{}, fmt.Errorf("lookup by external id: %w", err)
		}
		if existing != nil {
			return Match{Event: existing, By: MatchExternalID}, nil
		}
	}

	if candidate.StartDate.IsZero() {
		return Match{}, &models.ValidationError{Field: "startDate", Message: "is required"}
	}

	existing, err := r.store.FindByNameAndStart(ctx, candidate.Name, candidate.StartDate)
	if err != nil {
		return Match{}, fmt.Errorf("lookup by name and start: %w", err)
	}
	if existing != nil {
		return Match{Event: existing, By: MatchNameStart}, nil
	}

	return Match{By: MatchNone}, nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeName standardizes an event name for fallback-key comparison.
func NormalizeName(name string) string {
	normalized := strings.ToLower(stripControl(name, false))
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// FallbackKey is the weak identity used when no externalId is present.
func FallbackKey(name string, start time.Time) string {
	return NormalizeName(name) + "|" + start.UTC().Format(time.RFC3339)
}

// Fingerprint is the identity key of a stored event: its externalId when
// present, otherwise its fallback key.
func Fingerprint(e models.Event) string {
	if e.ExternalID != "" {
		return "ext:" + e.ExternalID
	}
	return "key:" + FallbackKey(e.Name, e.StartDate)
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// ParseEventTime parses the date formats sources send. Values without a zone
// are read as UTC. The result is a UTC instant at second precision.
func ParseEventTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", raw)
}
