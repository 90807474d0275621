package application

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// RetryProcessorConfig tunes the webhook retry worker.
type RetryProcessorConfig struct {
	Interval  time.Duration // how often due rows are polled
	BatchSize int
	Retention time.Duration // how long exhausted rows are kept
}

// DefaultRetryProcessorConfig polls every minute and keeps exhausted rows
// for seven days.
func DefaultRetryProcessorConfig() RetryProcessorConfig {
	return RetryProcessorConfig{
		Interval:  time.Minute,
		BatchSize: 100,
		Retention: 7 * 24 * time.Hour,
	}
}

// RetryProcessor drains the persisted webhook retry queue. It runs as an
// independent long-lived worker next to the scheduler.
type RetryProcessor struct {
	pipeline *WebhookPipeline
	retries  domain.WebhookRetryRepository
	config   RetryProcessorConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

func NewRetryProcessor(pipeline *WebhookPipeline, retries domain.WebhookRetryRepository, config RetryProcessorConfig, logger *slog.Logger) *RetryProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval == 0 {
		config = DefaultRetryProcessorConfig()
	}
	return &RetryProcessor{
		pipeline: pipeline,
		retries:  retries,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker. Idempotent.
func (p *RetryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return
	}
	p.stopChan = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("webhook retry processor started", "interval", p.config.Interval)
}

// Stop halts the worker and waits for the in-flight cycle.
func (p *RetryProcessor) Stop() {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.running.Store(false)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("webhook retry processor stopped")
}

// IsRunning reports whether the worker is active.
func (p *RetryProcessor) IsRunning() bool {
	return p.running.Load()
}

// Stats exposes the state of the retry queue.
func (p *RetryProcessor) Stats(ctx context.Context) (domain.WebhookRetryStats, error) {
	return p.retries.Stats(ctx)
}

func (p *RetryProcessor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessDue(ctx)
			p.collectGarbage(ctx)
		}
	}
}

// ProcessDue attempts every due retry once. Exposed for tests and for the
// manual sync CLI path.
func (p *RetryProcessor) ProcessDue(ctx context.Context) {
	now := p.now()
	due, err := p.retries.FindDue(ctx, now, p.config.BatchSize)
	if err != nil {
		p.logger.Error("load due webhook retries", "error", err)
		return
	}

	for _, retry := range due {
		if ctx.Err() != nil {
			return
		}
		if err := p.pipeline.Deliver(ctx, retry.URL(), retry.Payload()); err != nil {
			nextDelay := p.pipeline.RetryDelay(retry.AttemptCount() + 1)
			retry.RecordFailure(err.Error(), p.now(), nextDelay)
			if saveErr := p.retries.Save(ctx, retry); saveErr != nil {
				p.logger.Error("persist webhook retry", "id", retry.ID(), "error", saveErr)
			}
			if retry.Exhausted() {
				p.logger.Warn("webhook retries exhausted",
					"id", retry.ID(), "url", retry.URL(), "attempts", retry.AttemptCount())
			}
			continue
		}

		if err := p.retries.Delete(ctx, retry.ID()); err != nil {
			p.logger.Error("delete delivered webhook retry", "id", retry.ID(), "error", err)
		} else {
			p.logger.Info("webhook retry delivered", "id", retry.ID(), "url", retry.URL())
		}
	}
}

func (p *RetryProcessor) collectGarbage(ctx context.Context) {
	cutoff := p.now().Add(-p.config.Retention)
	removed, err := p.retries.DeleteExhaustedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("garbage collect webhook retries", "error", err)
		return
	}
	if removed > 0 {
		p.logger.Info("garbage collected exhausted webhook retries", "count", removed)
	}
}
