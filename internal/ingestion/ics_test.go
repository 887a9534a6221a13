package ingestion

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/barcalendar/eventcore/internal/models"
)

func icsDoc(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, e := range events {
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(e), "\n", "\r\n"))
		b.WriteString("\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

var icsNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestParseICSFeed_SingleEvents(t *testing.T) {
	doc := icsDoc(`
BEGIN:VEVENT
UID:ethics-2026
DTSTAMP:20260201T000000Z
DTSTART:20260310T180000Z
DTEND:20260310T200000Z
SUMMARY:Ethics CLE
DESCRIPTION:Two hours\, one lunch
LOCATION:Bar Center
URL:https://barassoc.org/ethics
CATEGORIES:CLE,Ethics
END:VEVENT`, `
BEGIN:VEVENT
UID:past-1
DTSTAMP:20260201T000000Z
DTSTART:20260210T180000Z
DTEND:20260210T200000Z
SUMMARY:Already Over
END:VEVENT`, `
BEGIN:VEVENT
UID:cancelled-1
DTSTAMP:20260201T000000Z
DTSTART:20260320T180000Z
SUMMARY:Called Off
STATUS:CANCELLED
END:VEVENT`, `
BEGIN:VEVENT
UID:floating-1
DTSTAMP:20260201T000000Z
DTSTART:20260312T090000
SUMMARY:Floating Breakfast
END:VEVENT`)

	records, err := ParseICSFeed(strings.NewReader(doc), ICSOptions{Now: icsNow})
	if err != nil {
		t.Fatalf("ParseICSFeed returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}

	ethics := records[0]
	if ethics.ExternalID != "ethics-2026" || ethics.Name != "Ethics CLE" {
		t.Errorf("unexpected record: %+v", ethics)
	}
	if ethics.StartDate != "2026-03-10T18:00:00Z" || ethics.EndDate != "2026-03-10T20:00:00Z" {
		t.Errorf("unexpected dates: %s - %s", ethics.StartDate, ethics.EndDate)
	}
	if ethics.Description != "Two hours, one lunch" {
		t.Errorf("description = %q", ethics.Description)
	}
	if len(ethics.Category) != 2 || ethics.Category[0] != "CLE" {
		t.Errorf("category = %v", ethics.Category)
	}

	floating := records[1]
	if floating.StartDate != "2026-03-12T09:00:00Z" {
		t.Errorf("floating time should read as UTC, got %s", floating.StartDate)
	}
	if floating.EndDate != floating.StartDate {
		t.Errorf("missing DTEND should default to start, got %s", floating.EndDate)
	}
}

func TestParseICSFeed_Recurrence(t *testing.T) {
	doc := icsDoc(`
BEGIN:VEVENT
UID:lunch-series
DTSTAMP:20260201T000000Z
DTSTART:20260205T170000Z
DTEND:20260205T180000Z
RRULE:FREQ=WEEKLY;COUNT=10
EXDATE:20260312T170000Z
SUMMARY:Lunch & Learn
END:VEVENT`, `
BEGIN:VEVENT
UID:lunch-series
DTSTAMP:20260201T000000Z
RECURRENCE-ID:20260319T170000Z
DTSTART:20260319T190000Z
DTEND:20260319T200000Z
SUMMARY:Lunch & Learn (moved)
END:VEVENT`)

	records, err := ParseICSFeed(strings.NewReader(doc), ICSOptions{Now: icsNow, Horizon: 21 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("ParseICSFeed returned error: %v", err)
	}

	// Weekly on Thursdays from Feb 5; within [Mar 1, Mar 22]: Mar 5, 12 (excluded), 19 (moved).
	if len(records) != 2 {
		t.Fatalf("expected 2 occurrences, got %d: %+v", len(records), records)
	}
	if records[0].ExternalID != "lunch-series@2026-03-05T17:00:00Z" {
		t.Errorf("externalId = %q", records[0].ExternalID)
	}
	moved := records[1]
	if moved.ExternalID != "lunch-series@2026-03-19T17:00:00Z" {
		t.Errorf("override must keep the occurrence id, got %q", moved.ExternalID)
	}
	if moved.Name != "Lunch & Learn (moved)" || moved.StartDate != "2026-03-19T19:00:00Z" {
		t.Errorf("override not applied: %+v", moved)
	}
}

func TestParseICSFeed_StableOccurrenceIDs(t *testing.T) {
	doc := icsDoc(`
BEGIN:VEVENT
UID:monthly
DTSTAMP:20260201T000000Z
DTSTART:20260115T230000Z
RRULE:FREQ=MONTHLY;COUNT=12
SUMMARY:Board Meeting
END:VEVENT`)

	first, err := ParseICSFeed(strings.NewReader(doc), ICSOptions{Now: icsNow, Horizon: 60 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	second, err := ParseICSFeed(strings.NewReader(doc), ICSOptions{Now: icsNow.Add(5 * 24 * time.Hour), Horizon: 60 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}

	ids := make(map[string]bool)
	for _, r := range first {
		ids[r.ExternalID] = true
	}
	for _, r := range second {
		if r.ExternalID == "monthly@2026-03-15T23:00:00Z" && !ids[r.ExternalID] {
			t.Errorf("occurrence id changed between pulls")
		}
	}
	if len(first) != 2 {
		t.Errorf("expected Mar 15 and Apr 15 within horizon, got %d", len(first))
	}
}

func TestBuildCalendar(t *testing.T) {
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	events := []models.Event{
		{
			ID:        "evt-1",
			Name:      "Ethics CLE",
			StartDate: start,
			EndDate:   start.Add(2 * time.Hour),
			Location:  &models.Location{Name: "Bar Center"},
			URL:       "https://barassoc.org/ethics",
			Category:  []string{"CLE"},
			Status:    models.EventStatusApproved,
			CreatedAt: start.Add(-48 * time.Hour),
			UpdatedAt: start.Add(-24 * time.Hour),
		},
	}

	out := BuildCalendar("Bar Events", events)

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	if err != nil {
		t.Fatalf("exported calendar does not parse: %v\n%s", err, out)
	}
	parsed := cal.Events()
	if len(parsed) != 1 {
		t.Fatalf("expected 1 event, got %d", len(parsed))
	}
	ve := parsed[0]
	if p := ve.GetProperty(ical.ComponentPropertySummary); p == nil || p.Value != "Ethics CLE" {
		t.Errorf("summary = %+v", p)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p == nil || p.Value != "Bar Center" {
		t.Errorf("location = %+v", p)
	}
	got, err := ve.GetStartAt()
	if err != nil || !got.Equal(start) {
		t.Errorf("start = %v, %v", got, err)
	}
	if !strings.Contains(out, "X-WR-CALNAME:Bar Events") {
		t.Error("calendar name missing")
	}

	// Re-importing the export yields the same records.
	records, err := ParseICSFeed(strings.NewReader(out), ICSOptions{Now: icsNow})
	if err != nil || len(records) != 1 || records[0].Name != "Ethics CLE" {
		t.Errorf("round trip through ParseICSFeed failed: %+v %v", records, err)
	}
}
