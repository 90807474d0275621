package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CalendarInfo describes one calendar discovered on either side.
type CalendarInfo struct {
	ID       string
	Name     string
	Color    string
	Timezone string
	URL      string
	Primary  bool
}

// CalDAVAccountRepository persists CalDAV accounts.
//
// Find methods return (nil, nil) when no row matches.
type CalDAVAccountRepository interface {
	Save(ctx context.Context, account *CalDAVAccount) error
	FindByID(ctx context.Context, id uuid.UUID) (*CalDAVAccount, error)
	FindByName(ctx context.Context, name string) (*CalDAVAccount, error)
	FindAll(ctx context.Context) ([]*CalDAVAccount, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// OAuthCredentialRepository persists the single Google credential row.
type OAuthCredentialRepository interface {
	Save(ctx context.Context, credential *OAuthCredential) error
	Find(ctx context.Context) (*OAuthCredential, error)
	Delete(ctx context.Context) error
}

// MappingRepository persists calendar mappings.
type MappingRepository interface {
	Save(ctx context.Context, mapping *Mapping) error
	FindByID(ctx context.Context, id uuid.UUID) (*Mapping, error)
	FindAll(ctx context.Context) ([]*Mapping, error)
	FindEnabled(ctx context.Context) ([]*Mapping, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventMappingRepository persists per-event sync bookkeeping.
type EventMappingRepository interface {
	Save(ctx context.Context, em *EventMapping) error
	FindByMapping(ctx context.Context, mappingID uuid.UUID) ([]*EventMapping, error)
	FindByUID(ctx context.Context, mappingID uuid.UUID, caldavUID, recurrenceID string) (*EventMapping, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByMapping(ctx context.Context, mappingID uuid.UUID) error
}

// SyncLogRepository persists sync run audit records.
type SyncLogRepository interface {
	Save(ctx context.Context, log *SyncLog) error
	FindByID(ctx context.Context, id uuid.UUID) (*SyncLog, error)
	FindByMapping(ctx context.Context, mappingID uuid.UUID, limit int) ([]*SyncLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// WebhookRetryStats summarizes the retry queue for observability.
type WebhookRetryStats struct {
	Pending     int
	Failed      int
	NextRetryAt *time.Time
}

// WebhookRetryRepository persists the webhook retry queue.
type WebhookRetryRepository interface {
	Save(ctx context.Context, retry *WebhookRetry) error
	FindDue(ctx context.Context, now time.Time, limit int) ([]*WebhookRetry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExhaustedBefore(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (WebhookRetryStats, error)
}
