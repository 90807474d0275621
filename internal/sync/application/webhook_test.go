package application

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

type fakeRetryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.WebhookRetry
}

func newFakeRetryStore() *fakeRetryStore {
	return &fakeRetryStore{rows: make(map[uuid.UUID]*domain.WebhookRetry)}
}

func (s *fakeRetryStore) Save(_ context.Context, retry *domain.WebhookRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[retry.ID()] = retry
	return nil
}

func (s *fakeRetryStore) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.WebhookRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.WebhookRetry
	for _, r := range s.rows {
		if r.Due(now) && !r.Exhausted() && len(due) < limit {
			due = append(due, r)
		}
	}
	return due, nil
}

func (s *fakeRetryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeRetryStore) DeleteExhaustedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, r := range s.rows {
		if r.Exhausted() && r.UpdatedAt().Before(before) {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeRetryStore) Stats(_ context.Context) (domain.WebhookRetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.WebhookRetryStats
	for _, r := range s.rows {
		if r.Exhausted() {
			stats.Failed++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

func (s *fakeRetryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeRetryStore) only(t *testing.T) *domain.WebhookRetry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.rows, 1)
	for _, r := range s.rows {
		return r
	}
	return nil
}

func webhookMapping(t *testing.T, url string) *domain.Mapping {
	t.Helper()
	mapping, err := domain.NewMapping(
		uuid.New(), "/calendars/work/", "Work",
		"google-cal-1", "Work (Google)",
		domain.DirectionBidirectional, 30, 5, url,
	)
	require.NoError(t, err)
	return mapping
}

func terminalLog(mapping *domain.Mapping, at time.Time) *domain.SyncLog {
	log := domain.NewSyncLog(mapping.ID(), mapping.Direction(), at)
	log.RecordInsert("Standup")
	log.RecordUpdate("Planning")
	log.Finalize(at.Add(time.Second))
	return log
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		headers  http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		received = body
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeRetryStore()
	pipeline := NewWebhookPipeline(store, DefaultWebhookConfig(), nil)
	mapping := webhookMapping(t, server.URL)
	startedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	log := terminalLog(mapping, startedAt)

	sent, status := pipeline.SendSyncResult(context.Background(), mapping, log)
	assert.True(t, sent)
	assert.Equal(t, "delivered", status)
	assert.Zero(t, store.len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "caldav-sync/1.0", headers.Get("User-Agent"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(received, &payload))
	assert.Equal(t, mapping.ID().String(), payload.MappingID)
	assert.Equal(t, string(domain.DirectionBidirectional), payload.Direction)
	assert.Equal(t, string(domain.SyncStatusSuccess), payload.Status)
	assert.Equal(t, 1, payload.Inserted)
	assert.Equal(t, 1, payload.Updated)
	assert.Equal(t, 0, payload.Deleted)
	assert.Equal(t, []string{"Standup", "Planning"}, payload.Events)
	assert.Equal(t, startedAt.Add(time.Second).Format(time.RFC3339), payload.Timestamp)
}

func TestWebhookNotConfigured(t *testing.T) {
	pipeline := NewWebhookPipeline(newFakeRetryStore(), DefaultWebhookConfig(), nil)
	mapping := webhookMapping(t, "")
	log := terminalLog(mapping, time.Now().UTC())

	sent, status := pipeline.SendSyncResult(context.Background(), mapping, log)
	assert.True(t, sent)
	assert.Equal(t, "not configured", status)
}

func TestWebhookFailureQueuesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeRetryStore()
	pipeline := NewWebhookPipeline(store, DefaultWebhookConfig(), nil)
	mapping := webhookMapping(t, server.URL)
	log := terminalLog(mapping, time.Now().UTC())

	sent, status := pipeline.SendSyncResult(context.Background(), mapping, log)
	assert.False(t, sent)
	assert.Equal(t, "queued for retry", status)

	retry := store.only(t)
	assert.Equal(t, log.ID(), retry.SyncLogID())
	assert.Equal(t, server.URL, retry.URL())
	assert.Equal(t, 0, retry.AttemptCount())
	assert.Equal(t, 3, retry.MaxAttempts())
	assert.Contains(t, retry.LastError(), "500")

	// First retry is due 30 seconds out.
	assert.False(t, retry.Due(time.Now().UTC()))
	assert.True(t, retry.Due(time.Now().UTC().Add(31*time.Second)))
}

func TestRetryDelayClamped(t *testing.T) {
	pipeline := NewWebhookPipeline(newFakeRetryStore(), DefaultWebhookConfig(), nil)

	assert.Equal(t, 30*time.Second, pipeline.RetryDelay(0))
	assert.Equal(t, 5*time.Minute, pipeline.RetryDelay(1))
	assert.Equal(t, 30*time.Minute, pipeline.RetryDelay(2))
	assert.Equal(t, 30*time.Minute, pipeline.RetryDelay(7))
	assert.Equal(t, 30*time.Second, pipeline.RetryDelay(-1))
}

func TestRetryProcessorDeliversDueRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := newFakeRetryStore()
	pipeline := NewWebhookPipeline(store, DefaultWebhookConfig(), nil)
	processor := NewRetryProcessor(pipeline, store, DefaultRetryProcessorConfig(), nil)

	now := time.Now().UTC()
	retry, err := domain.NewWebhookRetry(uuid.New(), server.URL, []byte(`{}`), 3, now.Add(-time.Minute), time.Second, "boom")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), retry))

	processor.ProcessDue(context.Background())
	assert.Zero(t, store.len())
}

func TestRetryProcessorBacksOffThenExhausts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := newFakeRetryStore()
	pipeline := NewWebhookPipeline(store, DefaultWebhookConfig(), nil)
	processor := NewRetryProcessor(pipeline, store, DefaultRetryProcessorConfig(), nil)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	processor.now = func() time.Time { return now }

	retry, err := domain.NewWebhookRetry(uuid.New(), server.URL, []byte(`{}`), 3, now.Add(-time.Hour), time.Second, "boom")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), retry))

	// First failed retry: attempt 1, next delay climbs to five minutes.
	processor.ProcessDue(context.Background())
	got := store.only(t)
	assert.Equal(t, 1, got.AttemptCount())
	assert.Equal(t, now.Add(5*time.Minute), got.NextRetryAt())
	assert.False(t, got.Exhausted())

	// Second failure: thirty minutes out.
	now = now.Add(6 * time.Minute)
	processor.ProcessDue(context.Background())
	got = store.only(t)
	assert.Equal(t, 2, got.AttemptCount())
	assert.Equal(t, now.Add(30*time.Minute), got.NextRetryAt())

	// Third failure exhausts the row; it is no longer picked up.
	now = now.Add(31 * time.Minute)
	processor.ProcessDue(context.Background())
	got = store.only(t)
	assert.Equal(t, 3, got.AttemptCount())
	assert.True(t, got.Exhausted())

	now = now.Add(time.Hour)
	processor.ProcessDue(context.Background())
	assert.Equal(t, 3, store.only(t).AttemptCount())

	// Exhausted rows are garbage collected after the retention window. The
	// row's updated stamp is wall clock time, so the cutoff is anchored there.
	now = time.Now().UTC().Add(8 * 24 * time.Hour)
	processor.collectGarbage(context.Background())
	assert.Zero(t, store.len())
}
