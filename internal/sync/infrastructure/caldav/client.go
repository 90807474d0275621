// Package caldav adapts a CalDAV server to the sync engine's event model.
// It speaks RFC 4791 through emersion/go-webdav and parses iCalendar bodies
// with emersion/go-ical.
package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// Client talks to CalDAV servers with per-account credentials. It is safe
// for concurrent use; every call builds its connection state from the
// account passed in.
type Client struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	logger         *slog.Logger
}

func NewClient(connectTimeout, readTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	return &Client{
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
		logger:         logger,
	}
}

// TestConnection authenticates against the server's principal URL.
func (c *Client) TestConnection(ctx context.Context, account *domain.CalDAVAccount, password string) error {
	client, rec, err := c.davClient(account, password)
	if err != nil {
		return err
	}
	if _, err := client.FindCurrentUserPrincipal(ctx); err != nil {
		return c.classify("test connection", rec.last(), err)
	}
	return nil
}

// DiscoverCalendars walks principal, home set and calendar collections.
func (c *Client) DiscoverCalendars(ctx context.Context, account *domain.CalDAVAccount, password string) ([]domain.CalendarInfo, error) {
	client, rec, err := c.davClient(account, password)
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, c.classify("find principal", rec.last(), err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, c.classify("find calendar home set", rec.last(), err)
	}
	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, c.classify("find calendars", rec.last(), err)
	}

	infos := make([]domain.CalendarInfo, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		infos = append(infos, domain.CalendarInfo{
			ID:   cal.Path,
			Name: cal.Name,
			URL:  account.ServerURL() + cal.Path,
		})
	}
	return infos, nil
}

// GetEvents runs a time-range calendar query over the half-open window and
// parses the returned iCalendar bodies. Series masters and overridden
// instances are emitted as separate events linked by UID and recurrence id.
func (c *Client) GetEvents(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, start, end time.Time) ([]domain.Event, error) {
	client, rec, err := c.davClient(account, password)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, c.classify("query calendar", rec.last(), err)
	}

	var events []domain.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Events() {
			event, err := c.parseEvent(comp)
			if err != nil {
				c.logger.Warn("skipping unparseable event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, event)
		}
	}
	return events, nil
}

// CreateEvent puts a single-VEVENT VCALENDAR at <calendar>/<uid>.ics.
func (c *Client) CreateEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, event domain.Event) error {
	return c.putEvent(ctx, account, password, calendarID, event, "create event")
}

// UpdateEvent overwrites the resource addressed by the event's UID.
func (c *Client) UpdateEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, event domain.Event) error {
	return c.putEvent(ctx, account, password, calendarID, event, "update event")
}

// DeleteEvent removes the resource addressed by UID. A 404 answer counts as
// success so deletes are idempotent.
func (c *Client) DeleteEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID, uid string) error {
	client, rec, err := c.davClient(account, password)
	if err != nil {
		return err
	}
	if err := client.RemoveAll(ctx, eventPath(calendarID, uid)); err != nil {
		classified := c.classify("delete event", rec.last(), err)
		var notFound *domain.NotFoundError
		if errors.As(classified, &notFound) {
			return nil
		}
		return classified
	}
	return nil
}

func (c *Client) putEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, event domain.Event, op string) error {
	if err := event.Validate(); err != nil {
		return &domain.ProtocolError{Op: op, Err: err}
	}
	client, rec, err := c.davClient(account, password)
	if err != nil {
		return err
	}
	if _, err := client.PutCalendarObject(ctx, eventPath(calendarID, event.UID), buildCalendar(event)); err != nil {
		return c.classify(op, rec.last(), err)
	}
	return nil
}

// statusRecorder wraps the webdav HTTP client and remembers the last
// non-2xx response status. go-webdav surfaces request failures through an
// unexported error type, so the wire status is the only reliable signal
// for mapping failures onto the domain taxonomy. The library aborts on the
// first failing request, so the recorded status belongs to the error the
// caller classifies.
type statusRecorder struct {
	inner webdav.HTTPClient
	mu    sync.Mutex
	code  int
}

func (r *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.inner.Do(req)
	if err == nil && resp.StatusCode/100 != 2 {
		r.mu.Lock()
		r.code = resp.StatusCode
		r.mu.Unlock()
	}
	return resp, err
}

func (r *statusRecorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

func (c *Client) davClient(account *domain.CalDAVAccount, password string) (*caldav.Client, *statusRecorder, error) {
	httpClient := &http.Client{
		Timeout: c.readTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: c.connectTimeout}).DialContext,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !account.VerifySSL(),
			},
		},
	}
	rec := &statusRecorder{
		inner: webdav.HTTPClientWithBasicAuth(httpClient, account.Username(), password),
	}
	client, err := caldav.NewClient(rec, account.ServerURL())
	if err != nil {
		return nil, nil, &domain.ConnectionError{Op: "build client", Err: err}
	}
	return client, rec, nil
}

// classify maps transport and HTTP failures onto the domain error taxonomy.
// status is the last wire status observed for the failing call, zero when
// the request never produced a response.
func (c *Client) classify(op string, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{Provider: "caldav", Reason: err.Error()}
	case http.StatusNotFound, http.StatusGone:
		return &domain.NotFoundError{Resource: op}
	}
	if status != 0 {
		return &domain.ProtocolError{Op: op, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &domain.ConnectionError{Op: op, Err: err}
	}
	return &domain.ProtocolError{Op: op, Err: err}
}

func (c *Client) parseEvent(comp ical.Event) (domain.Event, error) {
	uidProp := comp.Props.Get(ical.PropUID)
	if uidProp == nil {
		return domain.Event{}, errors.New("event has no UID")
	}

	event := domain.Event{
		UID:     uidProp.Value,
		Summary: textProp(comp, ical.PropSummary),
	}
	event.Description = textProp(comp, ical.PropDescription)
	event.Location = textProp(comp, ical.PropLocation)

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return domain.Event{}, fmt.Errorf("event %s has no DTSTART", event.UID)
	}
	event.AllDay = startProp.ValueType() == ical.ValueDate

	var err error
	event.Start, event.Timezone, err = c.parseDateTime(event.UID, startProp)
	if err != nil {
		return domain.Event{}, err
	}

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		event.End, _, err = c.parseDateTime(event.UID, endProp)
		if err != nil {
			return domain.Event{}, err
		}
	} else if event.AllDay {
		event.End = event.Start.AddDate(0, 0, 1)
	} else {
		event.End = event.Start.Add(time.Hour)
	}

	if event.AllDay {
		event.Timezone = ""
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		event.RRule = p.Value
	}
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		// Canonical compact UTC form so instances pair with the Google
		// side's originalStartTime.
		if t, err := p.DateTime(time.UTC); err == nil {
			if p.ValueType() == ical.ValueDate {
				event.RecurrenceID = t.Format("20060102")
			} else {
				event.RecurrenceID = t.UTC().Format("20060102T150405Z")
			}
		} else {
			event.RecurrenceID = p.Value
		}
	}
	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			event.LastModified = t.UTC()
		}
	}
	if p := comp.Props.Get(ical.PropCreated); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			event.Created = t.UTC()
		}
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			event.Sequence = n
		}
	}
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		event.Status = domain.EventStatus(strings.ToLower(p.Value))
	}

	if err := event.Validate(); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// parseDateTime resolves one DTSTART/DTEND property. Floating instants with
// no zone attached are promoted to UTC with a warning.
func (c *Client) parseDateTime(uid string, prop *ical.Prop) (time.Time, string, error) {
	zone := prop.Params.Get(ical.ParamTimezoneID)

	loc := time.UTC
	if zone != "" {
		parsed, err := time.LoadLocation(zone)
		if err != nil {
			c.logger.Warn("unknown TZID, treating as UTC", "uid", uid, "tzid", zone)
			zone = "UTC"
		} else {
			loc = parsed
		}
	}

	t, err := prop.DateTime(loc)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("event %s: parse %s: %w", uid, prop.Name, err)
	}

	if zone == "" && prop.ValueType() != ical.ValueDate && !strings.HasSuffix(prop.Value, "Z") {
		c.logger.Warn("naive datetime promoted to UTC", "uid", uid, "prop", prop.Name)
		zone = "UTC"
	}
	if zone == "" {
		zone = "UTC"
	}
	return t, zone, nil
}

func textProp(comp ical.Event, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	text, err := p.Text()
	if err != nil {
		return p.Value
	}
	return text
}

// buildCalendar serializes a normalized event into a VCALENDAR with one
// VEVENT.
func buildCalendar(event domain.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//davsync//davsync//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, event.UID)
	ev.Props.SetText(ical.PropSummary, event.Summary)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if event.Description != "" {
		ev.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ev.Props.SetText(ical.PropLocation, event.Location)
	}

	if event.AllDay {
		setDate(ev, ical.PropDateTimeStart, event.Start)
		setDate(ev, ical.PropDateTimeEnd, event.End)
	} else {
		setZonedDateTime(ev, ical.PropDateTimeStart, event.Start, event.Timezone)
		setZonedDateTime(ev, ical.PropDateTimeEnd, event.End, event.Timezone)
	}

	if event.RRule != "" {
		setRaw(ev, ical.PropRecurrenceRule, event.RRule)
	}
	if event.RecurrenceID != "" {
		setRaw(ev, ical.PropRecurrenceID, event.RecurrenceID)
	}
	if event.Status != "" {
		ev.Props.SetText(ical.PropStatus, strings.ToUpper(string(event.Status)))
	}
	if event.Sequence > 0 {
		setRaw(ev, ical.PropSequence, strconv.Itoa(event.Sequence))
	}

	cal.Children = append(cal.Children, ev.Component)
	return cal
}

func setDate(ev *ical.Event, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.Format("20060102")
	ev.Props.Set(p)
}

// setZonedDateTime writes a local datetime with a TZID parameter when the
// event carries a named zone, so the zone survives a write/read round trip
// and recurrence rules keep their DST behavior. UTC and zoneless instants
// use the compact Z form.
func setZonedDateTime(ev *ical.Event, name string, t time.Time, zone string) {
	if zone != "" && zone != "UTC" {
		if loc, err := time.LoadLocation(zone); err == nil {
			p := ical.NewProp(name)
			p.Params.Set(ical.ParamTimezoneID, zone)
			p.Value = t.In(loc).Format("20060102T150405")
			ev.Props.Set(p)
			return
		}
	}
	ev.Props.SetDateTime(name, t.UTC())
}

// setRaw sets a property value without text escaping, for values that carry
// iCalendar syntax of their own (RRULE, RECURRENCE-ID, SEQUENCE).
func setRaw(ev *ical.Event, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	ev.Props.Set(p)
}

func eventPath(calendarID, uid string) string {
	return strings.TrimRight(calendarID, "/") + "/" + url.PathEscape(uid) + ".ics"
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}
