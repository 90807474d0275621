package eventbus

import (
	"context"
	"log/slog"
)

// NoopPublisher drops events. Used when no broker is configured, typically
// in development or single-host deployments.
type NoopPublisher struct {
	logger *slog.Logger
}

func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("event dropped, no broker configured", "routing_key", routingKey, "bytes", len(payload))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }
