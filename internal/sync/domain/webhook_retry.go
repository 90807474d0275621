package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// WebhookRetry is a pending webhook delivery attempt, persisted so retries
// survive restarts.
type WebhookRetry struct {
	shareddomain.BaseEntity
	syncLogID    uuid.UUID
	url          string
	payload      []byte
	attemptCount int
	maxAttempts  int
	nextRetryAt  time.Time
	lastError    string
}

// NewWebhookRetry enqueues a failed delivery for retry after firstDelay.
func NewWebhookRetry(syncLogID uuid.UUID, url string, payload []byte, maxAttempts int, now time.Time, firstDelay time.Duration, lastError string) (*WebhookRetry, error) {
	if url == "" {
		return nil, errors.New("webhook retry requires a url")
	}
	if len(payload) == 0 {
		return nil, errors.New("webhook retry requires a payload")
	}
	return &WebhookRetry{
		BaseEntity:   shareddomain.NewBaseEntity(),
		syncLogID:    syncLogID,
		url:          url,
		payload:      payload,
		maxAttempts:  maxAttempts,
		nextRetryAt:  now.UTC().Add(firstDelay),
		lastError:    lastError,
	}, nil
}

// RehydrateWebhookRetry recreates a retry row from persisted state.
func RehydrateWebhookRetry(
	id, syncLogID uuid.UUID,
	url string,
	payload []byte,
	attemptCount, maxAttempts int,
	nextRetryAt time.Time,
	lastError string,
	createdAt, updatedAt time.Time,
) *WebhookRetry {
	return &WebhookRetry{
		BaseEntity:   shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		syncLogID:    syncLogID,
		url:          url,
		payload:      payload,
		attemptCount: attemptCount,
		maxAttempts:  maxAttempts,
		nextRetryAt:  nextRetryAt,
		lastError:    lastError,
	}
}

func (r *WebhookRetry) SyncLogID() uuid.UUID    { return r.syncLogID }
func (r *WebhookRetry) URL() string             { return r.url }
func (r *WebhookRetry) Payload() []byte         { return r.payload }
func (r *WebhookRetry) AttemptCount() int       { return r.attemptCount }
func (r *WebhookRetry) MaxAttempts() int        { return r.maxAttempts }
func (r *WebhookRetry) NextRetryAt() time.Time  { return r.nextRetryAt }
func (r *WebhookRetry) LastError() string       { return r.lastError }

// Exhausted reports whether no attempts remain.
func (r *WebhookRetry) Exhausted() bool {
	return r.attemptCount >= r.maxAttempts
}

// Due reports whether the row is eligible for an attempt at the given
// instant.
func (r *WebhookRetry) Due(now time.Time) bool {
	return !r.Exhausted() && !r.nextRetryAt.After(now.UTC())
}

// RecordFailure consumes one attempt and schedules the next one after the
// given delay.
func (r *WebhookRetry) RecordFailure(lastError string, now time.Time, nextDelay time.Duration) {
	r.attemptCount++
	r.lastError = lastError
	r.nextRetryAt = now.UTC().Add(nextDelay)
	r.Touch()
}
