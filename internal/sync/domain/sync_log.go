package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// SyncStatus is the lifecycle state of one sync run.
type SyncStatus string

const (
	SyncStatusRunning        SyncStatus = "running"
	SyncStatusSuccess        SyncStatus = "success"
	SyncStatusPartialFailure SyncStatus = "partial_failure"
	SyncStatusFailure        SyncStatus = "failure"
)

// Terminal reports whether the status is a final state.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusPartialFailure || s == SyncStatusFailure
}

// SyncLog is the audit record of one sync run.
type SyncLog struct {
	shareddomain.BaseEntity
	mappingID      uuid.UUID
	direction      Direction
	status         SyncStatus
	inserted       int
	updated        int
	deleted        int
	errorCount     int
	errorMessages  []string
	eventSummaries []string
	changeSummary  string
	startedAt      time.Time
	completedAt    *time.Time
	webhookSent    bool
	webhookStatus  string
}

// NewSyncLog opens a running sync log at the given instant.
func NewSyncLog(mappingID uuid.UUID, direction Direction, startedAt time.Time) *SyncLog {
	return &SyncLog{
		BaseEntity: shareddomain.NewBaseEntity(),
		mappingID:  mappingID,
		direction:  direction,
		status:     SyncStatusRunning,
		startedAt:  startedAt.UTC(),
	}
}

// RehydrateSyncLog recreates a sync log from persisted state.
func RehydrateSyncLog(
	id, mappingID uuid.UUID,
	direction Direction,
	status SyncStatus,
	inserted, updated, deleted, errorCount int,
	errorMessages, eventSummaries []string,
	changeSummary string,
	startedAt time.Time,
	completedAt *time.Time,
	webhookSent bool,
	webhookStatus string,
	createdAt, updatedAt time.Time,
) *SyncLog {
	return &SyncLog{
		BaseEntity:     shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		mappingID:      mappingID,
		direction:      direction,
		status:         status,
		inserted:       inserted,
		updated:        updated,
		deleted:        deleted,
		errorCount:     errorCount,
		errorMessages:  errorMessages,
		eventSummaries: eventSummaries,
		changeSummary:  changeSummary,
		startedAt:      startedAt,
		completedAt:    completedAt,
		webhookSent:    webhookSent,
		webhookStatus:  webhookStatus,
	}
}

func (l *SyncLog) MappingID() uuid.UUID     { return l.mappingID }
func (l *SyncLog) Direction() Direction     { return l.direction }
func (l *SyncLog) Status() SyncStatus       { return l.status }
func (l *SyncLog) Inserted() int            { return l.inserted }
func (l *SyncLog) Updated() int             { return l.updated }
func (l *SyncLog) Deleted() int             { return l.deleted }
func (l *SyncLog) ErrorCount() int          { return l.errorCount }
func (l *SyncLog) ErrorMessages() []string  { return l.errorMessages }
func (l *SyncLog) EventSummaries() []string { return l.eventSummaries }
func (l *SyncLog) ChangeSummary() string    { return l.changeSummary }
func (l *SyncLog) StartedAt() time.Time     { return l.startedAt }
func (l *SyncLog) CompletedAt() *time.Time  { return l.completedAt }
func (l *SyncLog) WebhookSent() bool        { return l.webhookSent }
func (l *SyncLog) WebhookStatus() string    { return l.webhookStatus }

// Duration returns the elapsed run time, zero while the run is open.
func (l *SyncLog) Duration() time.Duration {
	if l.completedAt == nil {
		return 0
	}
	return l.completedAt.Sub(l.startedAt)
}

// RecordInsert counts an applied insert and remembers the event title.
func (l *SyncLog) RecordInsert(summary string) {
	l.inserted++
	l.eventSummaries = append(l.eventSummaries, summary)
}

// RecordUpdate counts an applied update and remembers the event title.
func (l *SyncLog) RecordUpdate(summary string) {
	l.updated++
	l.eventSummaries = append(l.eventSummaries, summary)
}

// RecordDelete counts an applied delete and remembers the event title.
func (l *SyncLog) RecordDelete(summary string) {
	l.deleted++
	l.eventSummaries = append(l.eventSummaries, summary)
}

// RecordError counts a per-change failure without aborting the run.
func (l *SyncLog) RecordError(message string) {
	l.errorCount++
	l.errorMessages = append(l.errorMessages, message)
}

// Finalize closes the run, deriving the terminal status from the counters:
// success with no errors, partial failure when some changes succeeded, else
// failure.
func (l *SyncLog) Finalize(completedAt time.Time) {
	switch {
	case l.errorCount == 0:
		l.status = SyncStatusSuccess
	case l.inserted+l.updated+l.deleted > 0:
		l.status = SyncStatusPartialFailure
	default:
		l.status = SyncStatusFailure
	}
	l.complete(completedAt)
}

// Fail closes the run as a hard failure regardless of any progress already
// made. Used when a global prerequisite breaks mid-run, such as auth expiry.
func (l *SyncLog) Fail(completedAt time.Time, message string) {
	if message != "" {
		l.RecordError(message)
	}
	l.status = SyncStatusFailure
	l.complete(completedAt)
}

func (l *SyncLog) complete(at time.Time) {
	t := at.UTC()
	l.completedAt = &t
	l.changeSummary = summarizeChanges(l.eventSummaries)
	l.Touch()
}

// MarkWebhook records the webhook delivery outcome. Delivery never changes
// the primary status.
func (l *SyncLog) MarkWebhook(sent bool, status string) {
	l.webhookSent = sent
	l.webhookStatus = status
	l.Touch()
}

// summarizeChanges renders the first three event titles plus a remainder
// count, e.g. "Standup, Review, 1:1 and 4 more".
func summarizeChanges(summaries []string) string {
	if len(summaries) == 0 {
		return ""
	}
	shown := summaries
	if len(shown) > 3 {
		shown = shown[:3]
	}
	out := strings.Join(shown, ", ")
	if rest := len(summaries) - len(shown); rest > 0 {
		out += fmt.Sprintf(" and %d more", rest)
	}
	return out
}
