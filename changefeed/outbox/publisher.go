package outbox

import "context"

// Publisher delivers one event. A nil error means the broker accepted it.
type Publisher interface {
	PublishEvent(ctx context.Context, eventName string, payload map[string]any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, eventName string, payload map[string]any) error

func (fn PublisherFunc) PublishEvent(ctx context.Context, eventName string, payload map[string]any) error {
	return fn(ctx, eventName, payload)
}
