package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

const webhookUserAgent = "caldav-sync/1.0"

// WebhookPayload is the JSON body delivered to a mapping's webhook URL.
type WebhookPayload struct {
	MappingID string   `json:"mapping_id"`
	Direction string   `json:"direction"`
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Events    []string `json:"events,omitempty"`
}

// WebhookConfig tunes delivery and retry behavior.
type WebhookConfig struct {
	Timeout             time.Duration
	MaxAttempts         int
	RetryDelays         []time.Duration
	IncludeEventDetails bool
}

// DefaultWebhookConfig matches the documented defaults: 30 s timeout,
// retries after 30 s, 5 min and 30 min, three attempts.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:             30 * time.Second,
		MaxAttempts:         3,
		RetryDelays:         []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute},
		IncludeEventDetails: true,
	}
}

// WebhookPipeline posts sync results to per-mapping webhook URLs. A failed
// delivery is persisted for the retry processor. Each URL gets its own
// circuit breaker so one dead endpoint cannot slow down the rest.
type WebhookPipeline struct {
	httpClient *http.Client
	retries    domain.WebhookRetryRepository
	config     WebhookConfig
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

func NewWebhookPipeline(retries domain.WebhookRetryRepository, config WebhookConfig, logger *slog.Logger) *WebhookPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout == 0 {
		config = DefaultWebhookConfig()
	}
	return &WebhookPipeline{
		httpClient: &http.Client{Timeout: config.Timeout},
		retries:    retries,
		config:     config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		breakers:   make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

// SendSyncResult posts the result of a finished run. It returns true when
// the webhook was delivered (or no URL is configured) and false when the
// delivery failed and was queued for retry. It must only be called once the
// sync log has reached a terminal state.
func (p *WebhookPipeline) SendSyncResult(ctx context.Context, mapping *domain.Mapping, log *domain.SyncLog) (bool, string) {
	url := mapping.WebhookURL()
	if url == "" {
		return true, "not configured"
	}

	payload, err := json.Marshal(p.BuildPayload(mapping, log))
	if err != nil {
		p.logger.Error("marshal webhook payload", "mapping_id", mapping.ID(), "error", err)
		return false, "payload error"
	}

	if err := p.Deliver(ctx, url, payload); err != nil {
		p.logger.Warn("webhook delivery failed, queueing retry",
			"mapping_id", mapping.ID(), "url", url, "error", err)
		p.enqueueRetry(ctx, log, url, payload, err)
		return false, "queued for retry"
	}
	return true, "delivered"
}

// BuildPayload renders the webhook body for a terminal sync log.
func (p *WebhookPipeline) BuildPayload(mapping *domain.Mapping, log *domain.SyncLog) WebhookPayload {
	ts := p.now()
	if log.CompletedAt() != nil {
		ts = *log.CompletedAt()
	}
	payload := WebhookPayload{
		MappingID: mapping.ID().String(),
		Direction: string(log.Direction()),
		Status:    string(log.Status()),
		Timestamp: ts.UTC().Format(time.RFC3339),
		Inserted:  log.Inserted(),
		Updated:   log.Updated(),
		Deleted:   log.Deleted(),
	}
	if p.config.IncludeEventDetails {
		payload.Events = log.EventSummaries()
	}
	return payload
}

// Deliver posts the payload through the URL's circuit breaker. Any non-2xx
// answer is a failure.
func (p *WebhookPipeline) Deliver(ctx context.Context, url string, payload []byte) error {
	_, err := p.breaker(url).Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", webhookUserAgent)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("webhook answered %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	return err
}

// RetryDelay returns the delay before attempt number attempt (1-based),
// clamped to the last configured delay.
func (p *WebhookPipeline) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.config.RetryDelays) {
		attempt = len(p.config.RetryDelays) - 1
	}
	return p.config.RetryDelays[attempt]
}

func (p *WebhookPipeline) enqueueRetry(ctx context.Context, log *domain.SyncLog, url string, payload []byte, cause error) {
	retry, err := domain.NewWebhookRetry(log.ID(), url, payload, p.config.MaxAttempts, p.now(), p.RetryDelay(0), cause.Error())
	if err != nil {
		p.logger.Error("build webhook retry", "url", url, "error", err)
		return
	}
	if err := p.retries.Save(ctx, retry); err != nil {
		p.logger.Error("persist webhook retry", "url", url, "error", err)
	}
}

func (p *WebhookPipeline) breaker(url string) *gobreaker.CircuitBreaker[int] {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[url]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
			Name:        url,
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		p.breakers[url] = cb
	}
	return cb
}
