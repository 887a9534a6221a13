package ingestion

import (
	"math"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/barcalendar/eventcore/internal/models"
)

// Field length caps, in runes.
const (
	maxNameLength        = 300
	maxDescriptionLength = 10000
	maxShortTextLength   = 300
	maxIdentifierLength  = 255
	maxURLLength         = 2048
	maxListItems         = 25
	maxListItemLength    = 100
	maxMetadataBytes     = 64 * 1024
)

// Normalize sanitizes a raw record into a candidate event. Malformed optional
// fields degrade to empty values; a missing name or an unparseable startDate
// rejects the record with a ValidationError.
func Normalize(raw models.RawEvent) (models.Event, error) {
	name := singleLine(raw.Name, maxNameLength)
	if name == "" {
		return models.Event{}, &models.ValidationError{Field: "name", Message: "is required"}
	}

	if strings.TrimSpace(raw.StartDate) == "" {
		return models.Event{}, &models.ValidationError{Field: "startDate", Message: "is required"}
	}
	start, err := ParseEventTime(raw.StartDate)
	if err != nil {
		return models.Event{}, models.NewInvalidDateError("startDate", raw.StartDate)
	}

	end := start
	if strings.TrimSpace(raw.EndDate) != "" {
		if parsed, err := ParseEventTime(raw.EndDate); err == nil {
			end = parsed
		}
	}

	event := models.Event{
		ExternalID:    singleLine(raw.ExternalID, maxIdentifierLength),
		Name:          name,
		Description:   multiLine(raw.Description, maxDescriptionLength),
		StartDate:     start,
		EndDate:       end,
		LocationText:  singleLine(raw.Location, maxShortTextLength),
		CommunityText: singleLine(raw.Community, maxShortTextLength),
		URL:           sanitizeURL(raw.URL),
		Image:         sanitizeURL(raw.Image),
		Category:      sanitizeList(raw.Category),
		Tags:          sanitizeList(raw.Tags),
		EventType:     singleLine(raw.EventType, maxListItemLength),
		HasCLE:        raw.HasCLE,
		CLECredits:    sanitizeCredits(raw.CLECredits),
		Price:         singleLine(raw.Price, maxListItemLength),
		Metadata:      sanitizeMetadata(raw.Metadata),
		CMSID:         singleLine(raw.CMSID, maxIdentifierLength),
	}
	event.NormalizeDates()
	return event, nil
}

// stripControl removes control and zero-width characters. Whitespace
// controls become spaces, except newlines and tabs when keepBreaks is set.
func stripControl(s string, keepBreaks bool) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case keepBreaks && (r == '\n' || r == '\t'):
			return r
		case r == '\r':
			return -1
		case r == '\u200b' || r == '\ufeff':
			return -1
		case unicode.IsControl(r) && unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

func singleLine(s string, limit int) string {
	s = whitespaceRun.ReplaceAllString(stripControl(s, false), " ")
	return capRunes(strings.TrimSpace(s), limit)
}

func multiLine(s string, limit int) string {
	return capRunes(strings.TrimSpace(stripControl(s, true)), limit)
}

func capRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

// sanitizeURL keeps only absolute http(s) URLs.
func sanitizeURL(raw string) string {
	s := singleLine(raw, maxURLLength)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return s
}

// sanitizeList trims, de-duplicates case-insensitively and bounds a label list.
func sanitizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = singleLine(item, maxListItemLength)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if len(out) == maxListItems {
			break
		}
	}
	return out
}

func sanitizeCredits(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return nil
	}
	c := math.Round(*v*100) / 100
	return &c
}

func sanitizeMetadata(raw []byte) []byte {
	if len(raw) == 0 || len(raw) > maxMetadataBytes {
		return nil
	}
	return append([]byte(nil), raw...)
}
