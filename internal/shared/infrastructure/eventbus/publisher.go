package eventbus

import "context"

// Publisher delivers domain events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}
