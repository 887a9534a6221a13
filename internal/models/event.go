package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is a stored calendar event together with its moderation state and provenance.
type Event struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id,omitempty"`

	Name          string     `json:"name"`
	Description   string     `json:"description"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       time.Time  `json:"end_date"`
	LocationText  string     `json:"location_text,omitempty"`
	LocationID    string     `json:"location_id,omitempty"`
	Location      *Location  `json:"location,omitempty"`
	CommunityText string     `json:"community_text,omitempty"`
	CommunityID   string     `json:"community_id,omitempty"`
	Community     *Community `json:"community,omitempty"`
	URL           string     `json:"url,omitempty"`
	Image         string     `json:"image,omitempty"`

	Category   []string `json:"category"`
	Tags       []string `json:"tags"`
	EventType  string   `json:"event_type,omitempty"`
	HasCLE     bool     `json:"has_cle"`
	CLECredits *float64 `json:"cle_credits,omitempty"`
	Price      string   `json:"price,omitempty"`

	Status      EventStatus `json:"status"`
	SubmittedBy string      `json:"submitted_by"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CreatedAt   time.Time   `json:"created_at"`
	Notes       string      `json:"notes,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
	CMSID    string          `json:"cms_id,omitempty"`
}

// EventStatus is the moderation state of an event. Values are canonical
// upper-case; presentation casing belongs to the API layer.
type EventStatus string

const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusApproved  EventStatus = "APPROVED"
	EventStatusDenied    EventStatus = "DENIED"
	EventStatusFeatured  EventStatus = "FEATURED"
	EventStatusCancelled EventStatus = "CANCELLED"
	EventStatusArchived  EventStatus = "ARCHIVED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []EventStatus{
	EventStatusPending,
	EventStatusApproved,
	EventStatusDenied,
	EventStatusFeatured,
	EventStatusCancelled,
	EventStatusArchived,
}

// ActiveStatuses are the statuses whose events are removed once they are past.
var ActiveStatuses = []EventStatus{
	EventStatusPending,
	EventStatusApproved,
	EventStatusFeatured,
}

// ParseStatus accepts a status in any casing.
func ParseStatus(raw string) (EventStatus, bool) {
	s := EventStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// IsActive reports whether the status is one of ActiveStatuses.
func (s EventStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Location is a venue created lazily the first time an event names it.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
}

// Community is an organizing group, created lazily by name like Location.
type Community struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// EventPatch carries a partial update. Nil fields are left untouched.
type EventPatch struct {
	ExternalID    *string
	Name          *string
	Description   *string
	StartDate     *time.Time
	EndDate       *time.Time
	LocationText  *string
	LocationID    *string
	CommunityText *string
	CommunityID   *string
	URL           *string
	Image         *string
	Category      *[]string
	Tags          *[]string
	EventType     *string
	HasCLE        *bool
	CLECredits    **float64
	Price         *string
	Status        *EventStatus
	UpdatedBy     *string
	Notes         *string
	Metadata      *json.RawMessage
	CMSID         *string

	// ExpectStatus makes the update conditional: the store refuses it with
	// a StatusMismatchError when the stored status differs.
	ExpectStatus *EventStatus
}

// IsEmpty reports whether the patch changes nothing beyond updatedAt.
func (p EventPatch) IsEmpty() bool {
	return p == (EventPatch{})
}

// Apply copies the set fields of p onto e and re-establishes the date invariant.
func (p EventPatch) Apply(e *Event) {
	if p.ExternalID != nil {
		e.ExternalID = *p.ExternalID
	}
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.StartDate != nil {
		e.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		e.EndDate = *p.EndDate
	}
	if p.LocationText != nil {
		e.LocationText = *p.LocationText
	}
	if p.LocationID != nil {
		e.LocationID = *p.LocationID
	}
	if p.CommunityText != nil {
		e.CommunityText = *p.CommunityText
	}
	if p.CommunityID != nil {
		e.CommunityID = *p.CommunityID
	}
	if p.URL != nil {
		e.URL = *p.URL
	}
	if p.Image != nil {
		e.Image = *p.Image
	}
	if p.Category != nil {
		e.Category = append([]string(nil), (*p.Category)...)
	}
	if p.Tags != nil {
		e.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.EventType != nil {
		e.EventType = *p.EventType
	}
	if p.HasCLE != nil {
		e.HasCLE = *p.HasCLE
	}
	if p.CLECredits != nil {
		e.CLECredits = *p.CLECredits
	}
	if p.Price != nil {
		e.Price = *p.Price
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.UpdatedBy != nil {
		e.UpdatedBy = *p.UpdatedBy
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
	if p.Metadata != nil {
		e.Metadata = *p.Metadata
	}
	if p.CMSID != nil {
		e.CMSID = *p.CMSID
	}
	e.NormalizeDates()
}

// NormalizeDates enforces startDate <= endDate, defaulting endDate to startDate.
func (e *Event) NormalizeDates() {
	if e.EndDate.IsZero() || e.EndDate.Before(e.StartDate) {
		e.EndDate = e.StartDate
	}
}

// EventFilter selects events for Query. Zero-valued fields do not filter.
type EventFilter struct {
	Statuses          []EventStatus
	EndBefore         *time.Time // endDate strictly before
	UpdatedBefore     *time.Time // updatedAt strictly before
	UpdatedAtOrBefore *time.Time
	StartAfter        *time.Time
	Limit             int // 0 = unlimited
}

// Matches reports whether e satisfies the filter.
func (f EventFilter) Matches(e Event) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EndBefore != nil && !e.EndDate.Before(*f.EndBefore) {
		return false
	}
	if f.UpdatedBefore != nil && !e.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.UpdatedAtOrBefore != nil && e.UpdatedAt.After(*f.UpdatedAtOrBefore) {
		return false
	}
	if f.StartAfter != nil && !e.StartDate.After(*f.StartAfter) {
		return false
	}
	return true
}
