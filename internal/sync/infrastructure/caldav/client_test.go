package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// decodeEvent parses a raw iCalendar body and returns its first VEVENT.
func decodeEvent(t *testing.T, lines ...string) ical.Event {
	t.Helper()
	raw := strings.Join(lines, "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.NotEmpty(t, events)
	return events[0]
}

func TestParseEventTimedWithZone(t *testing.T) {
	c := NewClient(0, 0, nil)
	comp := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"SUMMARY:Planning",
		"DESCRIPTION:Quarterly planning",
		"LOCATION:Room 4",
		"DTSTART;TZID=Europe/Berlin:20260302T090000",
		"DTEND;TZID=Europe/Berlin:20260302T100000",
		"LAST-MODIFIED:20260301T120000Z",
		"SEQUENCE:3",
		"STATUS:CONFIRMED",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	event, err := c.parseEvent(comp)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", event.UID)
	assert.Equal(t, "Planning", event.Summary)
	assert.Equal(t, "Quarterly planning", event.Description)
	assert.Equal(t, "Room 4", event.Location)
	assert.False(t, event.AllDay)
	assert.Equal(t, "Europe/Berlin", event.Timezone)
	assert.True(t, event.Start.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)))
	assert.True(t, event.End.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), event.LastModified)
	assert.Equal(t, 3, event.Sequence)
	assert.Equal(t, domain.EventStatus("confirmed"), event.Status)
}

func TestParseEventAllDayDefaultsEnd(t *testing.T) {
	c := NewClient(0, 0, nil)
	comp := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"SUMMARY:Offsite",
		"DTSTART;VALUE=DATE:20260302",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	event, err := c.parseEvent(comp)
	require.NoError(t, err)
	assert.True(t, event.AllDay)
	assert.Empty(t, event.Timezone)
	assert.True(t, event.Start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	// A DATE start without DTEND spans one day.
	assert.True(t, event.End.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
}

func TestParseEventNaiveTimePromotedToUTC(t *testing.T) {
	c := NewClient(0, 0, nil)
	comp := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"SUMMARY:Floating",
		"DTSTART:20260302T090000",
		"DTEND:20260302T093000",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	event, err := c.parseEvent(comp)
	require.NoError(t, err)
	assert.Equal(t, "UTC", event.Timezone)
	assert.True(t, event.Start.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
}

func TestParseEventRecurrenceIDCanonicalized(t *testing.T) {
	c := NewClient(0, 0, nil)
	comp := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"SUMMARY:Standup (moved)",
		"DTSTART;TZID=Europe/Berlin:20260303T100000",
		"DTEND;TZID=Europe/Berlin:20260303T101500",
		"RECURRENCE-ID;TZID=Europe/Berlin:20260303T090000",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	event, err := c.parseEvent(comp)
	require.NoError(t, err)
	// Zoned instance starts collapse to compact UTC so they pair with the
	// Google side's originalStartTime.
	assert.Equal(t, "20260303T080000Z", event.RecurrenceID)

	comp = decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-2",
		"SUMMARY:Holiday (moved)",
		"DTSTART;VALUE=DATE:20260304",
		"RECURRENCE-ID;VALUE=DATE:20260303",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	event, err = c.parseEvent(comp)
	require.NoError(t, err)
	assert.Equal(t, "20260303", event.RecurrenceID)
}

func TestParseEventRejectsIncompleteComponents(t *testing.T) {
	c := NewClient(0, 0, nil)

	noUID := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"SUMMARY:No identity",
		"DTSTART:20260302T090000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	_, err := c.parseEvent(noUID)
	assert.ErrorContains(t, err, "UID")

	noStart := decodeEvent(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"SUMMARY:No start",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	_, err = c.parseEvent(noStart)
	assert.ErrorContains(t, err, "DTSTART")
}

func TestBuildCalendarRoundTrip(t *testing.T) {
	c := NewClient(0, 0, nil)
	event := domain.Event{
		UID:         "uid-1",
		Summary:     "Planning",
		Description: "Quarterly planning",
		Location:    "Room 4",
		Start:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		RRule:       "FREQ=WEEKLY;BYDAY=MO,WE",
		Status:      domain.EventStatus("confirmed"),
		Sequence:    2,
	}

	cal := buildCalendar(event)
	comps := cal.Events()
	require.Len(t, comps, 1)

	got, err := c.parseEvent(comps[0])
	require.NoError(t, err)
	assert.Equal(t, event.UID, got.UID)
	assert.Equal(t, event.Summary, got.Summary)
	assert.Equal(t, event.Description, got.Description)
	assert.Equal(t, event.Location, got.Location)
	assert.True(t, got.Start.Equal(event.Start))
	assert.True(t, got.End.Equal(event.End))
	assert.Equal(t, event.RRule, got.RRule)
	assert.Equal(t, event.Status, got.Status)
	assert.Equal(t, event.Sequence, got.Sequence)
	assert.False(t, got.AllDay)
}

func TestBuildCalendarPreservesNamedZone(t *testing.T) {
	c := NewClient(0, 0, nil)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	event := domain.Event{
		UID:      "uid-1",
		Summary:  "Weekly",
		Start:    time.Date(2026, 3, 2, 9, 0, 0, 0, berlin),
		End:      time.Date(2026, 3, 2, 10, 0, 0, 0, berlin),
		Timezone: "Europe/Berlin",
		RRule:    "FREQ=WEEKLY;BYDAY=MO",
	}

	// Full wire round trip: the zone has to survive encoding, not just the
	// in-memory component.
	var buf strings.Builder
	require.NoError(t, ical.NewEncoder(&buf).Encode(buildCalendar(event)))
	assert.Contains(t, buf.String(), "DTSTART;TZID=Europe/Berlin:20260302T090000")

	cal, err := ical.NewDecoder(strings.NewReader(buf.String())).Decode()
	require.NoError(t, err)
	comps := cal.Events()
	require.Len(t, comps, 1)

	got, err := c.parseEvent(comps[0])
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.True(t, got.Start.Equal(event.Start))
	assert.True(t, got.End.Equal(event.End))
	assert.Equal(t, event.ContentHash(), got.ContentHash())
}

func TestBuildCalendarAllDayUsesDateValues(t *testing.T) {
	c := NewClient(0, 0, nil)
	event := domain.Event{
		UID:     "uid-1",
		Summary: "Offsite",
		AllDay:  true,
		Start:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
	}

	cal := buildCalendar(event)
	comps := cal.Events()
	require.Len(t, comps, 1)

	start := comps[0].Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, ical.ValueDate, start.ValueType())
	assert.Equal(t, "20260302", start.Value)

	got, err := c.parseEvent(comps[0])
	require.NoError(t, err)
	assert.True(t, got.AllDay)
	assert.True(t, got.End.Equal(event.End))
}

func TestEventPathEscapesUID(t *testing.T) {
	assert.Equal(t, "/calendars/alice/work/uid-1.ics", eventPath("/calendars/alice/work/", "uid-1"))
	assert.Equal(t, "/calendars/alice/work/a%2Fb.ics", eventPath("/calendars/alice/work", "a/b"))
}

func TestClassifyMapsErrorTaxonomy(t *testing.T) {
	c := NewClient(0, 0, nil)

	err := c.classify("query calendar", http.StatusUnauthorized, errors.New("401 Unauthorized"))
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "caldav", authErr.Provider)

	err = c.classify("delete event", http.StatusNotFound, errors.New("404 Not Found"))
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	err = c.classify("query calendar", http.StatusBadGateway, errors.New("502 Bad Gateway"))
	var protoErr *domain.ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	err = c.classify("query calendar", 0, &url.Error{Op: "Get", URL: "https://dav.example.com", Err: errors.New("refused")})
	var connErr *domain.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func testAccount(t *testing.T, serverURL string) *domain.CalDAVAccount {
	t.Helper()
	account, err := domain.NewCalDAVAccount("test", serverURL, "alice", "enc:secret", true)
	require.NoError(t, err)
	return account
}

func TestConnectionClassifiesWireStatuses(t *testing.T) {
	c := NewClient(0, 0, nil)

	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	account := testAccount(t, server.URL)

	err := c.TestConnection(context.Background(), account, "hunter2")
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "caldav", authErr.Provider)

	status = http.StatusBadGateway
	err = c.TestConnection(context.Background(), account, "hunter2")
	var protoErr *domain.ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	server.Close()
	err = c.TestConnection(context.Background(), account, "hunter2")
	var connErr *domain.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestDeleteEventTreatsMissingResourceAsSuccess(t *testing.T) {
	c := NewClient(0, 0, nil)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	account := testAccount(t, server.URL)

	err := c.DeleteEvent(context.Background(), account, "hunter2", "/calendars/alice/work/", "uid-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSupportsEventsFiltersTaskCollections(t *testing.T) {
	assert.True(t, supportsEvents(caldav.Calendar{}))
	assert.True(t, supportsEvents(caldav.Calendar{SupportedComponentSet: []string{"VTODO", "VEVENT"}}))
	assert.False(t, supportsEvents(caldav.Calendar{SupportedComponentSet: []string{"VTODO"}}))
}
