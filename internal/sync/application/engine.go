package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// EngineDeps bundles everything a sync run touches. Explicit dependencies
// keep the engine deterministic in tests.
type EngineDeps struct {
	CalDAV        CalDAVClient
	Google        GoogleClient
	Credentials   CredentialProvider
	Accounts      domain.CalDAVAccountRepository
	Mappings      domain.MappingRepository
	EventMappings domain.EventMappingRepository
	SyncLogs      domain.SyncLogRepository
	Encrypter     crypto.Encrypter
	Webhooks      *WebhookPipeline
	Events        eventbus.Publisher
	Clock         func() time.Time
	Location      *time.Location
	Logger        *slog.Logger
}

// Engine orchestrates one sync run for one mapping: resolve credentials,
// fetch the window from both sides, diff, apply, persist bookkeeping, emit
// the webhook.
type Engine struct {
	deps       EngineDeps
	normalizer *Normalizer
	differ     *Differ
	logger     *slog.Logger
	now        func() time.Time
	loc        *time.Location
}

func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		deps:       deps,
		normalizer: NewNormalizer(logger),
		differ:     NewDiffer(logger),
		logger:     logger,
		now:        now,
		loc:        loc,
	}
}

// Sync executes one run. The returned sync log carries the terminal status;
// the error is non-nil only when the run could not even be opened.
func (e *Engine) Sync(ctx context.Context, mapping *domain.Mapping) (*domain.SyncLog, error) {
	log := domain.NewSyncLog(mapping.ID(), mapping.Direction(), e.now())
	if err := e.deps.SyncLogs.Save(ctx, log); err != nil {
		return nil, fmt.Errorf("open sync log: %w", err)
	}

	e.logger.Info("sync started",
		"mapping_id", mapping.ID(),
		"direction", mapping.Direction(),
	)

	account, password, err := e.resolveCalDAVCredential(ctx, mapping)
	if err != nil {
		return log, e.failRun(ctx, mapping, log, err)
	}

	// Both sides are always read for diffing, so a valid Google token is
	// a prerequisite for every direction.
	if _, _, err := e.deps.Credentials.AccessToken(ctx); err != nil {
		return log, e.failRun(ctx, mapping, log, fmt.Errorf("google credential: %w", err))
	}

	start, end := e.window(mapping)
	caldavEvents, err := e.deps.CalDAV.GetEvents(ctx, account, password, mapping.CalDAVCalendarID(), start, end)
	if err != nil {
		return log, e.failRun(ctx, mapping, log, fmt.Errorf("fetch caldav events: %w", err))
	}
	googleEvents, err := e.deps.Google.GetEvents(ctx, mapping.GoogleCalendarID(), start, end)
	if err != nil {
		return log, e.failRun(ctx, mapping, log, fmt.Errorf("fetch google events: %w", err))
	}

	persisted, err := e.deps.EventMappings.FindByMapping(ctx, mapping.ID())
	if err != nil {
		return log, e.failRun(ctx, mapping, log, fmt.Errorf("load event mappings: %w", err))
	}

	changes := e.analyze(mapping, caldavEvents, googleEvents, persisted)

	applyCtx := applyContext{
		mapping:  mapping,
		account:  account,
		password: password,
		log:      log,
	}
	e.apply(ctx, applyCtx, changes)

	if !log.Status().Terminal() {
		log.Finalize(e.now())
	}
	e.finalize(ctx, mapping, log)
	e.emitResult(ctx, mapping, log)

	e.logger.Info("sync finished",
		"mapping_id", mapping.ID(),
		"status", log.Status(),
		"inserted", log.Inserted(),
		"updated", log.Updated(),
		"deleted", log.Deleted(),
		"errors", log.ErrorCount(),
		"duration", log.Duration(),
	)
	return log, nil
}

// window returns the half-open sync interval: today at midnight in the
// engine's location, plus the mapping's window in days. The day is added
// in that location first so the bound tracks DST transitions.
func (e *Engine) window(mapping *domain.Mapping) (time.Time, time.Time) {
	now := e.now().In(e.loc)
	year, month, day := now.Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, e.loc)
	return start.UTC(), start.AddDate(0, 0, mapping.SyncWindowDays()).UTC()
}

func (e *Engine) resolveCalDAVCredential(ctx context.Context, mapping *domain.Mapping) (*domain.CalDAVAccount, string, error) {
	account, err := e.deps.Accounts.FindByID(ctx, mapping.AccountID())
	if err != nil {
		return nil, "", fmt.Errorf("load caldav account: %w", err)
	}
	if account == nil {
		return nil, "", &domain.MappingError{MappingID: mapping.ID().String(), Reason: "caldav account not found"}
	}
	if !account.Enabled() {
		return nil, "", &domain.MappingError{MappingID: mapping.ID().String(), Reason: "caldav account is disabled"}
	}
	password, err := e.deps.Encrypter.DecryptString(account.PasswordEncrypted())
	if err != nil {
		return nil, "", fmt.Errorf("decrypt caldav password: %w", err)
	}
	return account, password, nil
}

func (e *Engine) analyze(mapping *domain.Mapping, caldavEvents, googleEvents []domain.Event, persisted []*domain.EventMapping) []EventChange {
	switch mapping.Direction() {
	case domain.DirectionBidirectional:
		return e.differ.AnalyzeBidirectional(caldavEvents, googleEvents, persisted).Changes()
	case domain.DirectionCalDAVToGoogle:
		return e.differ.AnalyzeUnidirectional(caldavEvents, googleEvents, persisted, mapping.Direction())
	default:
		return e.differ.AnalyzeUnidirectional(googleEvents, caldavEvents, persisted, mapping.Direction())
	}
}

type applyContext struct {
	mapping  *domain.Mapping
	account  *domain.CalDAVAccount
	password string
	log      *domain.SyncLog
}

// apply executes the change set in a stable order: inserts, then updates,
// then deletes, each bucket sorted by UID across both targets. Per-change
// failures are isolated; auth failures abort the whole run.
func (e *Engine) apply(ctx context.Context, ac applyContext, changes []EventChange) {
	ordered := make([]EventChange, len(changes))
	copy(ordered, changes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Action != ordered[j].Action {
			return actionOrder(ordered[i].Action) < actionOrder(ordered[j].Action)
		}
		return ordered[i].UID < ordered[j].UID
	})

	for _, ch := range ordered {
		if err := ctx.Err(); err != nil {
			ac.log.Fail(e.now(), "cancelled")
			return
		}

		err := e.applyChange(ctx, ac, ch)
		if err == nil {
			continue
		}

		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			ac.log.Fail(e.now(), authErr.Error())
			return
		}
		ac.log.RecordError(fmt.Sprintf("%s %s: %v", ch.Action, ch.UID, err))
		e.logger.Warn("change failed, continuing",
			"mapping_id", ac.mapping.ID(), "action", ch.Action, "uid", ch.UID, "error", err)
	}
}

func actionOrder(a ChangeAction) int {
	switch a {
	case ActionInsert:
		return 0
	case ActionUpdate:
		return 1
	case ActionDelete:
		return 2
	default:
		return 3
	}
}

func (e *Engine) applyChange(ctx context.Context, ac applyContext, ch EventChange) error {
	switch {
	case ch.Action == ActionNoChange && ch.Mapping == nil && ch.CalDAVEvent != nil && ch.GoogleEvent != nil:
		return e.adoptPair(ctx, ac, ch)
	case ch.Action == ActionNoChange:
		return nil
	case ch.Target == TargetNone:
		// Orphan bookkeeping: the event is gone from both sides.
		if ch.Mapping == nil {
			return nil
		}
		e.logger.Debug("dropping orphan event mapping", "uid", ch.UID)
		return e.deps.EventMappings.Delete(ctx, ch.Mapping.ID())
	case ch.Target == TargetGoogle:
		return e.applyToGoogle(ctx, ac, ch)
	default:
		return e.applyToCalDAV(ctx, ac, ch)
	}
}

func (e *Engine) applyToGoogle(ctx context.Context, ac applyContext, ch EventChange) error {
	if ch.CalDAVEvent == nil && ch.Action != ActionDelete {
		return fmt.Errorf("change %s has no source event", ch.UID)
	}

	switch ch.Action {
	case ActionInsert:
		event := e.normalizer.CalDAVToGoogle(*ch.CalDAVEvent)
		googleID, err := e.deps.Google.CreateEvent(ctx, ac.mapping.GoogleCalendarID(), event)
		if err != nil {
			return err
		}
		if err := e.recordApplied(ctx, ac, ch, googleID, domain.DirectionCalDAVToGoogle); err != nil {
			return err
		}
		ac.log.RecordInsert(ch.CalDAVEvent.Summary)

	case ActionUpdate:
		event := e.normalizer.CalDAVToGoogle(*ch.CalDAVEvent)
		if ch.Mapping != nil {
			event.GoogleID = ch.Mapping.GoogleEventID()
		}
		if event.GoogleID == "" && ch.GoogleEvent != nil {
			event.GoogleID = ch.GoogleEvent.GoogleID
		}
		if err := e.deps.Google.UpdateEvent(ctx, ac.mapping.GoogleCalendarID(), event); err != nil {
			return err
		}
		if err := e.recordApplied(ctx, ac, ch, event.GoogleID, domain.DirectionCalDAVToGoogle); err != nil {
			return err
		}
		ac.log.RecordUpdate(ch.CalDAVEvent.Summary)

	case ActionDelete:
		googleID := ""
		if ch.Mapping != nil {
			googleID = ch.Mapping.GoogleEventID()
		}
		if googleID == "" && ch.GoogleEvent != nil {
			googleID = ch.GoogleEvent.GoogleID
		}
		if googleID != "" {
			if err := e.deps.Google.DeleteEvent(ctx, ac.mapping.GoogleCalendarID(), googleID); err != nil {
				return err
			}
		}
		if ch.Mapping != nil {
			if err := e.deps.EventMappings.Delete(ctx, ch.Mapping.ID()); err != nil {
				return err
			}
		}
		ac.log.RecordDelete(e.summaryFor(ch))
	}
	return nil
}

func (e *Engine) applyToCalDAV(ctx context.Context, ac applyContext, ch EventChange) error {
	if ch.GoogleEvent == nil && ch.Action != ActionDelete {
		return fmt.Errorf("change %s has no source event", ch.UID)
	}

	calendarID := ac.mapping.CalDAVCalendarID()
	switch ch.Action {
	case ActionInsert:
		event := e.normalizer.GoogleToCalDAV(*ch.GoogleEvent)
		if err := e.deps.CalDAV.CreateEvent(ctx, ac.account, ac.password, calendarID, event); err != nil {
			return err
		}
		googleID := ch.GoogleEvent.GoogleID
		if err := e.recordApplied(ctx, ac, ch, googleID, domain.DirectionGoogleToCalDAV); err != nil {
			return err
		}
		ac.log.RecordInsert(ch.GoogleEvent.Summary)

	case ActionUpdate:
		event := e.normalizer.GoogleToCalDAV(*ch.GoogleEvent)
		if err := e.deps.CalDAV.UpdateEvent(ctx, ac.account, ac.password, calendarID, event); err != nil {
			return err
		}
		googleID := ch.GoogleEvent.GoogleID
		if googleID == "" && ch.Mapping != nil {
			googleID = ch.Mapping.GoogleEventID()
		}
		if err := e.recordApplied(ctx, ac, ch, googleID, domain.DirectionGoogleToCalDAV); err != nil {
			return err
		}
		ac.log.RecordUpdate(ch.GoogleEvent.Summary)

	case ActionDelete:
		if err := e.deps.CalDAV.DeleteEvent(ctx, ac.account, ac.password, calendarID, ch.UID); err != nil {
			return err
		}
		if ch.Mapping != nil {
			if err := e.deps.EventMappings.Delete(ctx, ch.Mapping.ID()); err != nil {
				return err
			}
		}
		ac.log.RecordDelete(e.summaryFor(ch))
	}
	return nil
}

// adoptPair creates bookkeeping for a pair that already matches on both
// sides but was never tracked, so the next run can diff by timestamp.
func (e *Engine) adoptPair(ctx context.Context, ac applyContext, ch EventChange) error {
	direction := domain.DirectionCalDAVToGoogle
	return e.upsertEventMapping(ctx, ac, ch, ch.GoogleEvent.GoogleID, ch.CalDAVEvent, ch.GoogleEvent, direction)
}

// recordApplied upserts the event mapping after a successful adapter call.
// The content hash is taken from the source side of the change.
func (e *Engine) recordApplied(ctx context.Context, ac applyContext, ch EventChange, googleID string, direction domain.Direction) error {
	return e.upsertEventMapping(ctx, ac, ch, googleID, ch.CalDAVEvent, ch.GoogleEvent, direction)
}

func (e *Engine) upsertEventMapping(ctx context.Context, ac applyContext, ch EventChange, googleID string, caldavEvent, googleEvent *domain.Event, direction domain.Direction) error {
	em := ch.Mapping
	if em == nil {
		var err error
		em, err = domain.NewEventMapping(ac.mapping.ID(), ch.UID, ch.RecurrenceID, googleID)
		if err != nil {
			return fmt.Errorf("create event mapping: %w", err)
		}
	}
	if googleID != "" {
		em.SetGoogleEventID(googleID)
	}

	var caldavModified, googleUpdated *time.Time
	if caldavEvent != nil && !caldavEvent.LastModified.IsZero() {
		t := caldavEvent.LastModified.UTC()
		caldavModified = &t
	}
	if googleEvent != nil && !googleEvent.Updated.IsZero() {
		t := googleEvent.Updated.UTC()
		googleUpdated = &t
	}

	hash := ""
	if direction == domain.DirectionCalDAVToGoogle && caldavEvent != nil {
		hash = caldavEvent.ContentHash()
	} else if googleEvent != nil {
		hash = googleEvent.ContentHash()
	}

	em.RecordSync(caldavModified, googleUpdated, direction, hash)
	if err := e.deps.EventMappings.Save(ctx, em); err != nil {
		return fmt.Errorf("persist event mapping: %w", err)
	}
	return nil
}

func (e *Engine) summaryFor(ch EventChange) string {
	switch {
	case ch.CalDAVEvent != nil:
		return ch.CalDAVEvent.Summary
	case ch.GoogleEvent != nil:
		return ch.GoogleEvent.Summary
	default:
		return ch.UID
	}
}

// failRun closes the log as a failure, persists the outcome and still emits
// the webhook so downstream systems can alert.
func (e *Engine) failRun(ctx context.Context, mapping *domain.Mapping, log *domain.SyncLog, cause error) error {
	e.logger.Error("sync failed", "mapping_id", mapping.ID(), "error", cause)
	log.Fail(e.now(), cause.Error())
	e.finalize(ctx, mapping, log)
	e.emitResult(ctx, mapping, log)
	return nil
}

// finalize persists the terminal log and the mapping's last-sync fields.
func (e *Engine) finalize(ctx context.Context, mapping *domain.Mapping, log *domain.SyncLog) {
	if err := e.deps.SyncLogs.Save(ctx, log); err != nil {
		e.logger.Error("persist sync log", "mapping_id", mapping.ID(), "error", err)
	}
	completed := e.now()
	if log.CompletedAt() != nil {
		completed = *log.CompletedAt()
	}
	mapping.RecordSyncResult(log.Status(), completed)
	if err := e.deps.Mappings.Save(ctx, mapping); err != nil {
		e.logger.Error("persist mapping sync result", "mapping_id", mapping.ID(), "error", err)
	}
}

// emitResult delivers the webhook and publishes the completion event. Both
// are best effort and never change the run's primary status.
func (e *Engine) emitResult(ctx context.Context, mapping *domain.Mapping, log *domain.SyncLog) {
	sent, status := true, "not configured"
	if e.deps.Webhooks != nil {
		sent, status = e.deps.Webhooks.SendSyncResult(ctx, mapping, log)
	}
	log.MarkWebhook(sent, status)
	if err := e.deps.SyncLogs.Save(ctx, log); err != nil {
		e.logger.Error("persist webhook status", "mapping_id", mapping.ID(), "error", err)
	}

	if e.deps.Events == nil || e.deps.Webhooks == nil {
		return
	}
	payload, err := json.Marshal(e.deps.Webhooks.BuildPayload(mapping, log))
	if err != nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, "sync.completed", payload); err != nil {
		e.logger.Warn("publish sync completion event", "mapping_id", mapping.ID(), "error", err)
	}
}
