package ingestion

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/barcalendar/eventcore/internal/models"
)

// ICSOptions bounds how an iCalendar feed is turned into records.
type ICSOptions struct {
	Now            time.Time     // reference instant; zero means time.Now()
	Horizon        time.Duration // how far ahead recurrences are expanded
	MaxOccurrences int           // per recurring event
}

// DefaultICSOptions returns sensible defaults.
func DefaultICSOptions() ICSOptions {
	return ICSOptions{
		Horizon:        90 * 24 * time.Hour,
		MaxOccurrences: 100,
	}
}

// icsEvent is one VEVENT with its times resolved to UTC.
type icsEvent struct {
	uid         string
	summary     string
	description string
	location    string
	url         string
	categories  []string
	start       time.Time
	end         time.Time
	rrule       string
	exdates     []time.Time
	recurrence  *time.Time
	cancelled   bool
}

// ParseICSFeed parses an iCalendar document into raw records.
//
// Each non-recurring VEVENT yields one record with externalId = UID.
// Recurring VEVENTs are expanded between now and now+Horizon; every
// occurrence gets externalId = UID + "@" + its UTC start, so a repeated pull
// of the same feed resolves to the same events. RECURRENCE-ID overrides
// replace the occurrence they name. Cancelled and already-finished entries
// are skipped.
func ParseICSFeed(r io.Reader, opts ICSOptions) ([]models.RawEvent, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	opts.Now = opts.Now.UTC()
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultICSOptions().Horizon
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultICSOptions().MaxOccurrences
	}
	until := opts.Now.Add(opts.Horizon)

	var bases []icsEvent
	overrides := make(map[string]icsEvent) // keyed by occurrence id
	for _, ve := range cal.Events() {
		ev, ok := parseVEvent(ve)
		if !ok {
			continue
		}
		if ev.recurrence != nil {
			overrides[occurrenceID(ev.uid, *ev.recurrence)] = ev
			continue
		}
		bases = append(bases, ev)
	}

	records := make([]models.RawEvent, 0, len(bases))
	for _, ev := range bases {
		if ev.rrule == "" {
			if ev.cancelled || ev.end.Before(opts.Now) {
				continue
			}
			records = append(records, ev.record(ev.uid))
			continue
		}

		for _, occ := range expandOccurrences(ev, opts.Now, until, opts.MaxOccurrences) {
			id := occurrenceID(ev.uid, occ)
			instance := ev
			instance.start = occ
			instance.end = occ.Add(ev.end.Sub(ev.start))
			if o, ok := overrides[id]; ok {
				instance = o
			}
			if instance.cancelled {
				continue
			}
			records = append(records, instance.record(id))
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartDate < records[j].StartDate
	})
	return records, nil
}

func occurrenceID(uid string, start time.Time) string {
	if uid == "" {
		return ""
	}
	return uid + "@" + start.UTC().Format(time.RFC3339)
}

func (ev icsEvent) record(externalID string) models.RawEvent {
	return models.RawEvent{
		ExternalID:  externalID,
		Name:        ev.summary,
		Description: ev.description,
		StartDate:   ev.start.UTC().Format(time.RFC3339),
		EndDate:     ev.end.UTC().Format(time.RFC3339),
		Location:    ev.location,
		URL:         ev.url,
		Category:    append([]string(nil), ev.categories...),
	}
}

// expandOccurrences returns the RRULE occurrence starts inside [from, until].
func expandOccurrences(ev icsEvent, from, until time.Time, max int) []time.Time {
	rule, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil
	}
	rule.DTStart(ev.start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.exdates {
		set.ExDate(ex)
	}

	// An occurrence still running at from is kept.
	duration := ev.end.Sub(ev.start)
	occurrences := set.Between(from.Add(-duration), until, true)
	if len(occurrences) > max {
		occurrences = occurrences[:max]
	}
	for i := range occurrences {
		occurrences[i] = occurrences[i].UTC()
	}
	return occurrences
}

func parseVEvent(ve *ical.VEvent) (icsEvent, bool) {
	var ev icsEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.uid = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		ev.url = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.categories = append(ev.categories, c)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		ev.cancelled = strings.EqualFold(strings.TrimSpace(p.Value), string(ical.ObjectStatusCancelled))
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, false
	}
	ev.start = floatingAsUTC(ve.GetProperty(ical.ComponentPropertyDtStart), start)

	ev.end = ev.start
	if end, err := ve.GetEndAt(); err == nil {
		ev.end = floatingAsUTC(ve.GetProperty(ical.ComponentPropertyDtEnd), end)
	}
	if ev.end.Before(ev.start) {
		ev.end = ev.start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, p.ICalParameters); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, p.ICalParameters); err == nil {
			ev.recurrence = &t
		}
	}

	return ev, true
}

// floatingAsUTC reinterprets a value with neither TZID nor a Z suffix as UTC
// wall-clock time instead of the host's local zone.
func floatingAsUTC(prop *ical.IANAProperty, t time.Time) time.Time {
	if prop == nil {
		return t.UTC()
	}
	if _, ok := prop.ICalParameters["TZID"]; ok || strings.HasSuffix(prop.Value, "Z") {
		return t.UTC()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// parseICSTime parses an EXDATE or RECURRENCE-ID value with its TZID parameter.
func parseICSTime(value string, params map[string][]string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}

	loc := time.UTC
	if tz, ok := params["TZID"]; ok && len(tz) == 1 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		return t.UTC(), err
	case strings.Contains(value, "T"):
		t, err := time.ParseInLocation("20060102T150405", value, loc)
		return t.UTC(), err
	default:
		t, err := time.ParseInLocation("20060102", value, loc)
		return t.UTC(), err
	}
}

// BuildCalendar renders events as an iCalendar document for subscribers.
func BuildCalendar(name string, events []models.Event) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//barcalendar//eventcore//EN")
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, e := range events {
		ve := cal.AddEvent(e.ID + "@eventcore")
		ve.SetDtStampTime(e.UpdatedAt.UTC())
		ve.SetCreatedTime(e.CreatedAt.UTC())
		ve.SetModifiedAt(e.UpdatedAt.UTC())
		ve.SetStartAt(e.StartDate.UTC())
		ve.SetEndAt(e.EndDate.UTC())
		ve.SetSummary(e.Name)
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}
		switch {
		case e.Location != nil && e.Location.Name != "":
			ve.SetLocation(e.Location.Name)
		case e.LocationText != "":
			ve.SetLocation(e.LocationText)
		}
		if e.URL != "" {
			ve.SetURL(e.URL)
		}
		for _, c := range e.Category {
			ve.AddCategory(c)
		}
		if e.Status == models.EventStatusCancelled {
			ve.SetStatus(ical.ObjectStatusCancelled)
		} else {
			ve.SetStatus(ical.ObjectStatusConfirmed)
		}
	}

	return cal.Serialize()
}
