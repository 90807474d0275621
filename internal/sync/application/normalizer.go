package application

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// Normalizer translates between CalDAV-flavored and Google-flavored
// normalized events: recurrence syntax, all-day semantics and timezone
// attachment.
type Normalizer struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// CalDAVToGoogle prepares a CalDAV-side event for writing to Google. Side
// metadata of the source is dropped; the Google event id, when known from an
// existing mapping, is attached by the caller.
func (n *Normalizer) CalDAVToGoogle(e domain.Event) domain.Event {
	out := e
	out.GoogleID = ""
	out.Updated = time.Time{}
	out.LastModified = time.Time{}
	n.NormalizeAllDay(&out)
	return out
}

// GoogleToCalDAV prepares a Google-side event for writing to CalDAV.
func (n *Normalizer) GoogleToCalDAV(e domain.Event) domain.Event {
	out := e
	out.GoogleID = ""
	out.Updated = time.Time{}
	out.LastModified = time.Time{}
	n.NormalizeAllDay(&out)
	return out
}

// RecurrenceList renders the event's recurrence rule as a Google recurrence
// list of the form ["RRULE:<rule>"]. Empty when the event does not recur.
func (n *Normalizer) RecurrenceList(e domain.Event) []string {
	if e.RRule == "" {
		return nil
	}
	return []string{"RRULE:" + e.RRule}
}

// RRuleFromRecurrence extracts the first RRULE line from a Google recurrence
// list, without the prefix.
func (n *Normalizer) RRuleFromRecurrence(recurrence []string) string {
	for _, line := range recurrence {
		if rest, ok := strings.CutPrefix(line, "RRULE:"); ok {
			return rest
		}
	}
	return ""
}

// NormalizeTimezone converts t to the named IANA zone. A naive instant or an
// unknown zone resolves to UTC with a warning.
func (n *Normalizer) NormalizeTimezone(t time.Time, zone string) time.Time {
	if zone == "" || strings.EqualFold(zone, "UTC") {
		return t.UTC()
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		n.logger.Warn("unknown timezone, falling back to UTC", "zone", zone)
		return t.UTC()
	}
	return t.In(loc)
}

// NormalizeAllDay pins all-day bounds to midnight of their local day and
// detects midnight-to-midnight events that should be all-day.
func (n *Normalizer) NormalizeAllDay(e *domain.Event) {
	if e.AllDay {
		e.Start = truncateToMidnight(e.Start)
		e.End = truncateToMidnight(e.End)
		e.Timezone = ""
		return
	}
	if isMidnight(e.Start) && isMidnight(e.End) && !e.Start.Equal(e.End) {
		e.AllDay = true
		e.Timezone = ""
	}
}

// Validate returns the list of consistency issues for an event; empty iff
// the event may be persisted. The recurrence rule is parsed to catch rules
// the other side would reject.
func (n *Normalizer) Validate(e domain.Event) []string {
	var issues []string
	if err := e.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if !e.AllDay && e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			issues = append(issues, fmt.Sprintf("unknown timezone %q", e.Timezone))
		}
	}
	if e.AllDay {
		if !isMidnight(e.Start) || !isMidnight(e.End) {
			issues = append(issues, "all-day event bounds must be at midnight")
		}
	}
	if e.RRule != "" {
		if _, err := rrule.StrToRRule(e.RRule); err != nil {
			issues = append(issues, fmt.Sprintf("invalid recurrence rule %q: %v", e.RRule, err))
		}
	}
	return issues
}

func truncateToMidnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
