package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEventNotFound is returned by stores when no event has the requested id.
var ErrEventNotFound = errors.New("event not found")

// ValidationError rejects a single record because a required field is missing or malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewInvalidDateError reports an unparseable date field.
func NewInvalidDateError(field, raw string) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q", raw)}
}

// InvalidTransitionError is returned when a status change is not in the transition table.
type InvalidTransitionError struct {
	From    EventStatus
	To      EventStatus
	Trigger string
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("invalid transition %s -> %s by %s", from, e.To, e.Trigger)
}

// StatusMismatchError is returned by a conditional update when the stored
// status is no longer the expected one.
type StatusMismatchError struct {
	Expected EventStatus
	Actual   EventStatus
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("status changed concurrently: expected %s, found %s", e.Expected, e.Actual)
}

// IdentityConflictError flags two sources claiming the same externalId with
// different core fields. The update still happens; this error is only reported.
type IdentityConflictError struct {
	ExternalID     string   `json:"external_id"`
	EventID        string   `json:"event_id"`
	ExistingSource string   `json:"existing_source"`
	IncomingSource string   `json:"incoming_source"`
	Fields         []string `json:"fields"`
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict on external id %q: %s and %s disagree on %s",
		e.ExternalID, e.ExistingSource, e.IncomingSource, strings.Join(e.Fields, ", "))
}

// StoreUnavailableError wraps a timeout or connection failure from the event store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsStoreUnavailable reports whether err is or wraps a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}

// ErrorKind names the taxonomy bucket of err for structured results.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		te *InvalidTransitionError
		ce *IdentityConflictError
		su *StoreUnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "invalid_transition"
	case errors.As(err, &ce):
		return "identity_conflict"
	case errors.As(err, &su):
		return "store_unavailable"
	case errors.Is(err, ErrEventNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
