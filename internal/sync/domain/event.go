package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventStatus represents the confirmation state of a calendar event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// Event is the normalized in-memory representation of a calendar event,
// independent of wire format. The same struct carries CalDAV and Google
// flavored events; side-specific metadata lives in GoogleID, Updated
// (Google) and LastModified (CalDAV).
type Event struct {
	// UID is the iCalendar UID. For Google events this is iCalUID,
	// falling back to the Google event id.
	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool
	// Timezone is an IANA zone name, present iff the event is not all-day.
	Timezone string

	// RRule is the recurrence rule in RFC 5545 RRULE syntax, without the
	// "RRULE:" prefix. Mutually exclusive with RecurrenceID.
	RRule string
	// RecurrenceID identifies an overridden instance of a recurring series.
	RecurrenceID string

	Sequence int
	Status   EventStatus

	Created      time.Time
	LastModified time.Time // CalDAV LAST-MODIFIED
	GoogleID     string    // Google event id, set for Google-side events
	Updated      time.Time // Google updated timestamp
}

// Validate enforces the construction invariants of a normalized event.
// Adapters call it after parsing a wire representation.
func (e *Event) Validate() error {
	if e.UID == "" {
		return errors.New("event uid is required")
	}
	if strings.TrimSpace(e.Summary) == "" {
		return errors.New("event summary is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errors.New("event start and end are required")
	}
	if !e.AllDay {
		if !e.Start.Before(e.End) {
			return fmt.Errorf("event %s: start must precede end", e.UID)
		}
	}
	if e.RRule != "" && e.RecurrenceID != "" {
		return fmt.Errorf("event %s: rrule and recurrence id are mutually exclusive", e.UID)
	}
	return nil
}

// IsRecurring reports whether the event is the master of a recurring series.
func (e *Event) IsRecurring() bool {
	return e.RRule != ""
}

// IsOverride reports whether the event is an overridden instance of a series.
func (e *Event) IsOverride() bool {
	return e.RecurrenceID != ""
}

// ModifiedAt returns the best available modification instant for the event,
// in UTC. CalDAV events carry LastModified, Google events carry Updated.
// The zero time means no timestamp is known.
func (e *Event) ModifiedAt() time.Time {
	if !e.LastModified.IsZero() {
		return e.LastModified.UTC()
	}
	if !e.Updated.IsZero() {
		return e.Updated.UTC()
	}
	return time.Time{}
}

// ContentHash returns a SHA-256 digest over the semantic content of the
// event. Both bounds are rendered in UTC RFC3339 so the hash is independent
// of the wire representation and of the zone the adapter parsed them in.
func (e *Event) ContentHash() string {
	parts := []string{
		e.UID,
		e.Summary,
		e.Description,
		e.Location,
		e.Start.UTC().Format(time.RFC3339),
		e.End.UTC().Format(time.RFC3339),
		strconv.FormatBool(e.AllDay),
		e.Timezone,
		e.RRule,
		e.RecurrenceID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
