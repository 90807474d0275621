package google

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

type calendarListPage struct {
	Items         []calendarListEntry `json:"items"`
	NextPageToken string              `json:"nextPageToken"`
}

type calendarListEntry struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	TimeZone        string `json:"timeZone"`
	BackgroundColor string `json:"backgroundColor"`
	Primary         bool   `json:"primary"`
}

type calendarResource struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	TimeZone string `json:"timeZone"`
}

type eventsPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

type googleDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEvent struct {
	ID                string          `json:"id,omitempty"`
	Status            string          `json:"status,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Description       string          `json:"description,omitempty"`
	Location          string          `json:"location,omitempty"`
	Start             *googleDateTime `json:"start,omitempty"`
	End               *googleDateTime `json:"end,omitempty"`
	Recurrence        []string        `json:"recurrence,omitempty"`
	RecurringEventID  string          `json:"recurringEventId,omitempty"`
	OriginalStartTime *googleDateTime `json:"originalStartTime,omitempty"`
	ICalUID           string          `json:"iCalUID,omitempty"`
	Sequence          int             `json:"sequence,omitempty"`
	Created           string          `json:"created,omitempty"`
	Updated           string          `json:"updated,omitempty"`
}

// toDomain converts an API event into the normalized model. The iCalUID is
// the cross-side identity, falling back to the Google id.
func (ge googleEvent) toDomain() (domain.Event, error) {
	uid := ge.ICalUID
	if uid == "" {
		uid = ge.ID
	}

	event := domain.Event{
		UID:         uid,
		GoogleID:    ge.ID,
		Summary:     ge.Summary,
		Description: ge.Description,
		Location:    ge.Location,
		Sequence:    ge.Sequence,
	}

	if ge.Status != "" {
		event.Status = domain.EventStatus(ge.Status)
	}

	var err error
	event.Start, event.AllDay, err = parseBound(ge.Start, "start")
	if err != nil {
		return domain.Event{}, err
	}
	event.End, _, err = parseBound(ge.End, "end")
	if err != nil {
		return domain.Event{}, err
	}
	if !event.AllDay && ge.Start != nil {
		event.Timezone = ge.Start.TimeZone
		if event.Timezone == "" {
			event.Timezone = "UTC"
		}
	}

	for _, line := range ge.Recurrence {
		if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
			event.RRule = rule
			break
		}
	}

	if ge.OriginalStartTime != nil {
		event.RecurrenceID = canonicalRecurrenceID(ge.OriginalStartTime)
		// Expanded instances must never look like series masters.
		event.RRule = ""
	}

	if ge.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ge.Updated); err == nil {
			event.Updated = t.UTC()
		}
	}
	if ge.Created != "" {
		if t, err := time.Parse(time.RFC3339, ge.Created); err == nil {
			event.Created = t.UTC()
		}
	}

	if err := event.Validate(); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// fromDomain renders a normalized event as an API body.
func fromDomain(e domain.Event) googleEvent {
	ge := googleEvent{
		ID:          e.GoogleID,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		ICalUID:     e.UID,
		Sequence:    e.Sequence,
	}
	if e.Status != "" {
		ge.Status = string(e.Status)
	}

	if e.AllDay {
		ge.Start = &googleDateTime{Date: e.Start.Format("2006-01-02")}
		ge.End = &googleDateTime{Date: e.End.Format("2006-01-02")}
	} else {
		tz := e.Timezone
		if tz == "" {
			tz = "UTC"
		}
		ge.Start = &googleDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: tz}
		ge.End = &googleDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: tz}
	}

	if e.RRule != "" {
		ge.Recurrence = []string{"RRULE:" + e.RRule}
	}
	return ge
}

func parseBound(b *googleDateTime, name string) (time.Time, bool, error) {
	if b == nil {
		return time.Time{}, false, fmt.Errorf("event has no %s", name)
	}
	if b.Date != "" {
		t, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse %s date: %w", name, err)
		}
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, b.DateTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s datetime: %w", name, err)
	}
	return t, false, nil
}

// canonicalRecurrenceID renders an instance's original start in the compact
// iCalendar form so it pairs with the RECURRENCE-ID the CalDAV side emits.
func canonicalRecurrenceID(b *googleDateTime) string {
	if b.Date != "" {
		if t, err := time.Parse("2006-01-02", b.Date); err == nil {
			return t.Format("20060102")
		}
		return b.Date
	}
	if t, err := time.Parse(time.RFC3339, b.DateTime); err == nil {
		return t.UTC().Format("20060102T150405Z")
	}
	return b.DateTime
}
