package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// callLog records writes across fakes so tests can assert the global
// apply order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// fakeCalDAV serves a fixed window and records writes.
type fakeCalDAV struct {
	mu      sync.Mutex
	events  map[string]domain.Event // keyed by uid|recurrenceID
	created []string
	updated []string
	deleted []string
	failUID string
	failErr error
	order   *callLog
}

func newFakeCalDAV(events ...domain.Event) *fakeCalDAV {
	f := &fakeCalDAV{events: make(map[string]domain.Event)}
	for _, e := range events {
		f.events[e.UID+"|"+e.RecurrenceID] = e
	}
	return f
}

func (f *fakeCalDAV) TestConnection(context.Context, *domain.CalDAVAccount, string) error {
	return nil
}

func (f *fakeCalDAV) DiscoverCalendars(context.Context, *domain.CalDAVAccount, string) ([]domain.CalendarInfo, error) {
	return nil, nil
}

func (f *fakeCalDAV) GetEvents(_ context.Context, _ *domain.CalDAVAccount, _, _ string, _, _ time.Time) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeCalDAV) CreateEvent(_ context.Context, _ *domain.CalDAVAccount, _, _ string, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.UID == f.failUID {
		return f.failErr
	}
	f.events[event.UID+"|"+event.RecurrenceID] = event
	f.created = append(f.created, event.UID)
	if f.order != nil {
		f.order.add("caldav:" + event.UID)
	}
	return nil
}

func (f *fakeCalDAV) UpdateEvent(_ context.Context, _ *domain.CalDAVAccount, _, _ string, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.UID == f.failUID {
		return f.failErr
	}
	f.events[event.UID+"|"+event.RecurrenceID] = event
	f.updated = append(f.updated, event.UID)
	return nil
}

func (f *fakeCalDAV) DeleteEvent(_ context.Context, _ *domain.CalDAVAccount, _, _, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.events {
		if strings.HasPrefix(key, uid+"|") {
			delete(f.events, key)
		}
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

// fakeGoogle mirrors fakeCalDAV for the Google side.
type fakeGoogle struct {
	mu         sync.Mutex
	events     map[string]domain.Event
	created    []string
	updated    []string
	deleted    []string
	nextID     int
	failAfter  int // fail once this many writes have happened, 0 disables
	failErr    error
	writeCount int
	cancel     context.CancelFunc // cancels the run context during GetEvents
	order      *callLog
}

func newFakeGoogle(events ...domain.Event) *fakeGoogle {
	f := &fakeGoogle{events: make(map[string]domain.Event)}
	for _, e := range events {
		f.events[e.UID+"|"+e.RecurrenceID] = e
	}
	return f
}

func (f *fakeGoogle) ListCalendars(context.Context) ([]domain.CalendarInfo, error) {
	return nil, nil
}

func (f *fakeGoogle) GetCalendar(context.Context, string) (*domain.CalendarInfo, error) {
	return nil, nil
}

func (f *fakeGoogle) GetEvents(_ context.Context, _ string, _, _ time.Time) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	out := make([]domain.Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeGoogle) failWrite() error {
	f.writeCount++
	if f.failAfter > 0 && f.writeCount > f.failAfter {
		return f.failErr
	}
	return nil
}

func (f *fakeGoogle) CreateEvent(_ context.Context, _ string, event domain.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWrite(); err != nil {
		return "", err
	}
	f.nextID++
	event.GoogleID = fmt.Sprintf("gid-%d", f.nextID)
	f.events[event.UID+"|"+event.RecurrenceID] = event
	f.created = append(f.created, event.UID)
	if f.order != nil {
		f.order.add("google:" + event.UID)
	}
	return event.GoogleID, nil
}

func (f *fakeGoogle) UpdateEvent(_ context.Context, _ string, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWrite(); err != nil {
		return err
	}
	f.events[event.UID+"|"+event.RecurrenceID] = event
	f.updated = append(f.updated, event.UID)
	return nil
}

func (f *fakeGoogle) DeleteEvent(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWrite(); err != nil {
		return err
	}
	for key, e := range f.events {
		if e.GoogleID == eventID {
			delete(f.events, key)
		}
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeGoogle) FindEventsByUID(context.Context, string, string) ([]domain.Event, error) {
	return nil, nil
}

type fakeCredentials struct {
	err error
}

func (f *fakeCredentials) AccessToken(context.Context) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "token", time.Now().Add(time.Hour), nil
}

type fakeEncrypter struct{}

func (fakeEncrypter) EncryptString(plaintext string) (string, error) { return "enc:" + plaintext, nil }
func (fakeEncrypter) DecryptString(ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type memAccounts struct {
	byID map[uuid.UUID]*domain.CalDAVAccount
}

func (s *memAccounts) Save(_ context.Context, a *domain.CalDAVAccount) error {
	s.byID[a.ID()] = a
	return nil
}
func (s *memAccounts) FindByID(_ context.Context, id uuid.UUID) (*domain.CalDAVAccount, error) {
	return s.byID[id], nil
}
func (s *memAccounts) FindByName(context.Context, string) (*domain.CalDAVAccount, error) {
	return nil, nil
}
func (s *memAccounts) FindAll(context.Context) ([]*domain.CalDAVAccount, error) { return nil, nil }
func (s *memAccounts) Delete(context.Context, uuid.UUID) error                  { return nil }

type memMappings struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.Mapping
}

func (s *memMappings) Save(_ context.Context, m *domain.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID()] = m
	return nil
}
func (s *memMappings) FindByID(_ context.Context, id uuid.UUID) (*domain.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id], nil
}
func (s *memMappings) FindAll(context.Context) ([]*domain.Mapping, error) { return nil, nil }
func (s *memMappings) FindEnabled(context.Context) ([]*domain.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Mapping
	for _, m := range s.byID {
		if m.Enabled() {
			out = append(out, m)
		}
	}
	return out, nil
}
func (s *memMappings) Delete(context.Context, uuid.UUID) error { return nil }

type memEventMappings struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.EventMapping
}

func (s *memEventMappings) Save(_ context.Context, em *domain.EventMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[em.ID()] = em
	return nil
}
func (s *memEventMappings) FindByMapping(_ context.Context, mappingID uuid.UUID) ([]*domain.EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EventMapping
	for _, em := range s.byID {
		if em.MappingID() == mappingID {
			out = append(out, em)
		}
	}
	return out, nil
}
func (s *memEventMappings) FindByUID(_ context.Context, mappingID uuid.UUID, uid, recurrenceID string) (*domain.EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, em := range s.byID {
		if em.MappingID() == mappingID && em.CalDAVUID() == uid && em.RecurrenceID() == recurrenceID {
			return em, nil
		}
	}
	return nil, nil
}
func (s *memEventMappings) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}
func (s *memEventMappings) DeleteByMapping(context.Context, uuid.UUID) error { return nil }

func (s *memEventMappings) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type memSyncLogs struct {
	mu   sync.Mutex
	logs []*domain.SyncLog
}

func (s *memSyncLogs) Save(_ context.Context, log *domain.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.logs {
		if existing.ID() == log.ID() {
			s.logs[i] = log
			return nil
		}
	}
	s.logs = append(s.logs, log)
	return nil
}
func (s *memSyncLogs) FindByID(context.Context, uuid.UUID) (*domain.SyncLog, error) {
	return nil, nil
}
func (s *memSyncLogs) FindByMapping(context.Context, uuid.UUID, int) ([]*domain.SyncLog, error) {
	return nil, nil
}
func (s *memSyncLogs) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

type capturedEvent struct {
	routingKey string
	payload    []byte
}

type memPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *memPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{routingKey: routingKey, payload: payload})
	return nil
}
func (p *memPublisher) Close() error { return nil }

// engineFixture wires an engine over in-memory fakes.
type engineFixture struct {
	engine        *Engine
	caldav        *fakeCalDAV
	google        *fakeGoogle
	mapping       *domain.Mapping
	eventMappings *memEventMappings
	syncLogs      *memSyncLogs
	publisher     *memPublisher
}

func newEngineFixture(t *testing.T, direction domain.Direction, caldav *fakeCalDAV, google *fakeGoogle) *engineFixture {
	t.Helper()

	account, err := domain.NewCalDAVAccount("home", "https://dav.example.com", "user", "enc:secret", true)
	require.NoError(t, err)
	mapping, err := domain.NewMapping(
		account.ID(), "/calendars/home/", "Home",
		"google-cal", "Home (Google)",
		direction, 30, 5, "",
	)
	require.NoError(t, err)

	accounts := &memAccounts{byID: map[uuid.UUID]*domain.CalDAVAccount{account.ID(): account}}
	mappings := &memMappings{byID: map[uuid.UUID]*domain.Mapping{mapping.ID(): mapping}}
	eventMappings := &memEventMappings{byID: make(map[uuid.UUID]*domain.EventMapping)}
	syncLogs := &memSyncLogs{}
	publisher := &memPublisher{}

	engine := NewEngine(EngineDeps{
		CalDAV:        caldav,
		Google:        google,
		Credentials:   &fakeCredentials{},
		Accounts:      accounts,
		Mappings:      mappings,
		EventMappings: eventMappings,
		SyncLogs:      syncLogs,
		Encrypter:     fakeEncrypter{},
		Webhooks:      NewWebhookPipeline(newFakeRetryStore(), DefaultWebhookConfig(), nil),
		Events:        publisher,
	})

	return &engineFixture{
		engine:        engine,
		caldav:        caldav,
		google:        google,
		mapping:       mapping,
		eventMappings: eventMappings,
		syncLogs:      syncLogs,
		publisher:     publisher,
	}
}

func TestEngineBidirectionalInsertBothWays(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	caldavOnly := timedEvent("caldav-1", "From CalDAV", start)
	googleOnly := timedEvent("google-1", "From Google", start)
	googleOnly.GoogleID = "gid-existing"

	f := newEngineFixture(t, domain.DirectionBidirectional,
		newFakeCalDAV(caldavOnly), newFakeGoogle(googleOnly))

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSuccess, log.Status())
	assert.Equal(t, 2, log.Inserted())
	assert.Equal(t, []string{"caldav-1"}, f.google.created)
	assert.Equal(t, []string{"google-1"}, f.caldav.created)
	assert.Equal(t, 2, f.eventMappings.len())

	// The mapping carries the run result afterwards.
	assert.Equal(t, domain.SyncStatusSuccess, f.mapping.LastSyncStatus())
	require.NotNil(t, f.mapping.LastSyncAt())

	// The completion event went out.
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "sync.completed", f.publisher.events[0].routingKey)
}

func TestEngineSecondRunIsIdempotent(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	caldavEvent := timedEvent("caldav-1", "From CalDAV", start)
	caldavEvent.LastModified = start

	f := newEngineFixture(t, domain.DirectionBidirectional,
		newFakeCalDAV(caldavEvent), newFakeGoogle())

	_, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)
	require.Equal(t, []string{"caldav-1"}, f.google.created)

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSuccess, log.Status())
	assert.Zero(t, log.Inserted()+log.Updated()+log.Deleted())
	assert.Len(t, f.google.created, 1)
	assert.Empty(t, f.google.updated)
	assert.Empty(t, f.caldav.created)
}

func TestEngineConflictNewestWins(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	c := timedEvent("conflict-1", "CalDAV title", base)
	c.LastModified = base.Add(2 * time.Hour)
	g := timedEvent("conflict-1", "Google title", base)
	g.GoogleID = "gid-1"
	g.Updated = base.Add(time.Hour)

	f := newEngineFixture(t, domain.DirectionBidirectional,
		newFakeCalDAV(c), newFakeGoogle(g))

	em, err := domain.NewEventMapping(f.mapping.ID(), "conflict-1", "", "gid-1")
	require.NoError(t, err)
	em.RecordSync(&base, &base, domain.DirectionBidirectional, "old-hash")
	require.NoError(t, f.eventMappings.Save(context.Background(), em))

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSuccess, log.Status())
	assert.Equal(t, 1, log.Updated())
	assert.Equal(t, []string{"conflict-1"}, f.google.updated)
	assert.Empty(t, f.caldav.updated)
	assert.Equal(t, "CalDAV title", f.google.events["conflict-1|"].Summary)
}

func TestEngineOrphanDropsOnlyBookkeeping(t *testing.T) {
	f := newEngineFixture(t, domain.DirectionBidirectional,
		newFakeCalDAV(), newFakeGoogle())

	em, err := domain.NewEventMapping(f.mapping.ID(), "long-gone", "", "gid-9")
	require.NoError(t, err)
	require.NoError(t, f.eventMappings.Save(context.Background(), em))

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSuccess, log.Status())
	assert.Zero(t, f.eventMappings.len())
	assert.Empty(t, f.caldav.deleted)
	assert.Empty(t, f.google.deleted)
	// Bookkeeping cleanup is not a counted deletion.
	assert.Zero(t, log.Deleted())
}

func TestEnginePerChangeErrorsAreIsolated(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	good := timedEvent("a-good", "Fine", start)
	bad := timedEvent("b-bad", "Broken", start)

	google := newFakeGoogle()
	caldav := newFakeCalDAV(good, bad)
	f := newEngineFixture(t, domain.DirectionCalDAVToGoogle, caldav, google)

	// Fail only the bad UID: the engine must keep going.
	google.failAfter = 1
	google.failErr = &domain.ProtocolError{Op: "create event", Err: fmt.Errorf("boom")}

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusPartialFailure, log.Status())
	assert.Equal(t, 1, log.Inserted())
	assert.Equal(t, 1, log.ErrorCount())
	require.Len(t, log.ErrorMessages(), 1)
	assert.Contains(t, log.ErrorMessages()[0], "b-bad")
	assert.Equal(t, []string{"a-good"}, f.google.created)
	assert.Equal(t, 1, f.eventMappings.len())
}

func TestEngineAuthErrorAbortsRun(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []domain.Event{
		timedEvent("a-1", "First", start),
		timedEvent("b-2", "Second", start),
		timedEvent("c-3", "Third", start),
	}

	google := newFakeGoogle()
	f := newEngineFixture(t, domain.DirectionCalDAVToGoogle, newFakeCalDAV(events...), google)

	google.failAfter = 1
	google.failErr = &domain.AuthError{Provider: "google", Reason: "token expired"}

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	// The applied write survives; the rest of the run is abandoned.
	assert.Equal(t, domain.SyncStatusFailure, log.Status())
	assert.Equal(t, 1, log.Inserted())
	assert.Equal(t, []string{"a-1"}, f.google.created)
	assert.Equal(t, 1, f.eventMappings.len())
	require.NotEmpty(t, log.ErrorMessages())
	assert.Contains(t, log.ErrorMessages()[len(log.ErrorMessages())-1], "token expired")

	// The failed run still reports through the mapping and the event bus.
	assert.Equal(t, domain.SyncStatusFailure, f.mapping.LastSyncStatus())
	require.Len(t, f.publisher.events, 1)
}

func TestEngineCancellationStopsApply(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	google := newFakeGoogle()
	f := newEngineFixture(t, domain.DirectionCalDAVToGoogle,
		newFakeCalDAV(timedEvent("a-1", "Never applied", start)), google)

	ctx, cancel := context.WithCancel(context.Background())
	google.cancel = cancel

	log, err := f.engine.Sync(ctx, f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusFailure, log.Status())
	require.NotEmpty(t, log.ErrorMessages())
	assert.Contains(t, log.ErrorMessages()[len(log.ErrorMessages())-1], "cancelled")
	assert.Empty(t, google.created)
}

func TestEngineFailsWhenAccountMissing(t *testing.T) {
	f := newEngineFixture(t, domain.DirectionBidirectional, newFakeCalDAV(), newFakeGoogle())

	orphanMapping, err := domain.NewMapping(
		uuid.New(), "/calendars/x/", "X",
		"google-cal", "X", domain.DirectionBidirectional, 30, 5, "",
	)
	require.NoError(t, err)

	log, err := f.engine.Sync(context.Background(), orphanMapping)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailure, log.Status())
	require.NotEmpty(t, log.ErrorMessages())
	assert.Contains(t, log.ErrorMessages()[0], "account not found")
}

func TestEngineAppliesBucketsInUIDOrderAcrossTargets(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	toCalDAV := timedEvent("a-from-google", "Google side", start)
	toCalDAV.GoogleID = "gid-a"
	toGoogle := timedEvent("b-from-caldav", "CalDAV side", start)

	caldav := newFakeCalDAV(toGoogle)
	google := newFakeGoogle(toCalDAV)
	order := &callLog{}
	caldav.order = order
	google.order = order

	f := newEngineFixture(t, domain.DirectionBidirectional, caldav, google)

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, log.Status())

	// Inserts run in one UID-sorted pass regardless of which side each
	// one targets.
	assert.Equal(t, []string{"caldav:a-from-google", "google:b-from-caldav"}, order.calls)
}

func TestEngineUpdateFallsBackToGoogleEventID(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := timedEvent("upd-1", "Renamed on CalDAV", base)
	c.LastModified = base.Add(time.Hour)
	g := timedEvent("upd-1", "Old title", base)
	g.GoogleID = "gid-7"

	f := newEngineFixture(t, domain.DirectionCalDAVToGoogle,
		newFakeCalDAV(c), newFakeGoogle(g))

	// A mapping row that never learned its Google id; the id on the
	// fetched Google event has to fill the gap.
	em, err := domain.NewEventMapping(f.mapping.ID(), "upd-1", "", "")
	require.NoError(t, err)
	em.RecordSync(&base, nil, domain.DirectionCalDAVToGoogle, "old-hash")
	require.NoError(t, f.eventMappings.Save(context.Background(), em))

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSuccess, log.Status())
	assert.Equal(t, []string{"upd-1"}, f.google.updated)
	assert.Equal(t, "gid-7", f.google.events["upd-1|"].GoogleID)
	assert.Equal(t, "gid-7", em.GoogleEventID())
}

func TestEngineWindowFloorsAtLocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 20:00 UTC on March 2 is already 06:00 on March 3 in the engine's
	// location; the floor must not drop that morning.
	clock := func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) }
	engine := NewEngine(EngineDeps{Clock: clock, Location: loc})

	mapping, err := domain.NewMapping(
		uuid.New(), "/calendars/x/", "X",
		"google-cal", "X", domain.DirectionBidirectional, 30, 5, "",
	)
	require.NoError(t, err)

	start, end := engine.window(mapping)
	assert.True(t, start.Equal(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)),
		"got window start %s", start)
	assert.True(t, end.Equal(start.AddDate(0, 0, 30)))
}

func TestEngineWebhookMarkedOnTerminalLog(t *testing.T) {
	f := newEngineFixture(t, domain.DirectionBidirectional, newFakeCalDAV(), newFakeGoogle())

	log, err := f.engine.Sync(context.Background(), f.mapping)
	require.NoError(t, err)

	assert.True(t, log.Status().Terminal())
	assert.True(t, log.WebhookSent())
	assert.Equal(t, "not configured", log.WebhookStatus())
}
