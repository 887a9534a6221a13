package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawEvent is an untrusted incoming record as submitted by a scraper, CMS
// webhook, feed or the public form. Dates stay unparsed until resolution.
type RawEvent struct {
	ExternalID  string          `json:"externalId,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	StartDate   string          `json:"startDate"`
	EndDate     string          `json:"endDate,omitempty"`
	Location    string          `json:"location,omitempty"`
	Community   string          `json:"community,omitempty"`
	URL         string          `json:"url,omitempty"`
	Image       string          `json:"image,omitempty"`
	Category    []string        `json:"category,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	EventType   string          `json:"eventType,omitempty"`
	HasCLE      bool            `json:"hasCLE,omitempty"`
	CLECredits  *float64        `json:"cleCredits,omitempty"`
	Price       string          `json:"price,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CMSID       string          `json:"cmsId,omitempty"`
}

var rawEventKeys = map[string][]string{
	"externalId":  {"externalId", "external_id"},
	"name":        {"name", "title"},
	"description": {"description"},
	"startDate":   {"startDate", "start_date"},
	"endDate":     {"endDate", "end_date"},
	"location":    {"location", "locationText", "location_text"},
	"community":   {"community", "communityText", "community_text"},
	"url":         {"url"},
	"image":       {"image"},
	"category":    {"category", "categories"},
	"tags":        {"tags"},
	"eventType":   {"eventType", "event_type"},
	"hasCLE":      {"hasCLE", "has_cle"},
	"cleCredits":  {"cleCredits", "cle_credits"},
	"price":       {"price"},
	"metadata":    {"metadata"},
	"cmsId":       {"cmsId", "cms_id"},
}

// UnmarshalJSON decodes leniently: a malformed field degrades to its zero
// value instead of failing the record. Only a non-object payload is an error.
func (r *RawEvent) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return &ValidationError{Field: "record", Message: "must be a JSON object"}
	}

	get := func(key string) json.RawMessage {
		for _, alias := range rawEventKeys[key] {
			if v, ok := fields[alias]; ok {
				return v
			}
		}
		return nil
	}

	*r = RawEvent{
		ExternalID:  coerceString(get("externalId")),
		Name:        coerceString(get("name")),
		Description: coerceString(get("description")),
		StartDate:   coerceString(get("startDate")),
		EndDate:     coerceString(get("endDate")),
		Location:    coerceString(get("location")),
		Community:   coerceString(get("community")),
		URL:         coerceString(get("url")),
		Image:       coerceString(get("image")),
		Category:    coerceStrings(get("category")),
		Tags:        coerceStrings(get("tags")),
		EventType:   coerceString(get("eventType")),
		HasCLE:      coerceBool(get("hasCLE")),
		CLECredits:  coerceFloat(get("cleCredits")),
		Price:       coerceString(get("price")),
		Metadata:    coerceObject(get("metadata")),
		CMSID:       coerceString(get("cmsId")),
	}
	return nil
}

func coerceString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// coerceStrings accepts an array of strings, or a single comma-separated string.
func coerceStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := coerceString(raw); s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func coerceBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	switch strings.ToLower(coerceString(raw)) {
	case "true", "yes", "y", "1":
		return true
	}
	return false
}

func coerceFloat(raw json.RawMessage) *float64 {
	s := coerceString(raw)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return nil
	}
	return &f
}

// coerceObject keeps metadata only when it is a JSON object.
func coerceObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return out
}

// String identifies the record in error messages and logs.
func (r RawEvent) String() string {
	if r.Name != "" {
		return r.Name
	}
	if r.ExternalID != "" {
		return fmt.Sprintf("external:%s", r.ExternalID)
	}
	return "(unnamed)"
}
