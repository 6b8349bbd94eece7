package rabbitmq

import (
	"context"
	"errors"
	"time"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

// DefaultQueue is the destination consumed by the downstream bridge.
const DefaultQueue = "angelia-hermes-bridge"

const (
	headerPath      = "X-http-path"
	headerTimestamp = "X-epoch-timestamp"
	headerVersion   = "X-version"
	headerType      = "X-content-type"

	messageVersion = "1.0"
	messageType    = "application/json"
)

var ErrMessagePublisherRequired = errors.New("rabbitmq message publisher is required")

// MessagePublisher is implemented by *Sender.
type MessagePublisher interface {
	Publish(ctx context.Context, queue string, payload any, headers map[string]any) error
}

// EventPublisher sends change events to one queue, routing them by event
// name in the X-http-path header.
type EventPublisher struct {
	publisher MessagePublisher
	queue     string
	now       func() time.Time
}

var (
	_ outbox.Publisher = (*EventPublisher)(nil)
	_ MessagePublisher = (*Sender)(nil)
)

type EventPublisherOption func(*EventPublisher)

func WithClock(now func() time.Time) EventPublisherOption {
	return func(p *EventPublisher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewEventPublisher returns a publisher for queue, or DefaultQueue when
// queue is empty.
func NewEventPublisher(publisher MessagePublisher, queue string, opts ...EventPublisherOption) (*EventPublisher, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrMessagePublisherRequired
	}

	if queue == "" {
		queue = DefaultQueue
	}

	p := &EventPublisher{publisher: publisher, queue: queue, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

func (p *EventPublisher) Queue() string { return p.queue }

// PublishEvent publishes payload with the routing headers and the trace
// context of ctx.
func (p *EventPublisher) PublishEvent(ctx context.Context, eventName string, payload map[string]any) error {
	now := p.now()

	headers := opentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		headerPath:      eventName,
		headerTimestamp: float64(now.UnixNano()) / float64(time.Second),
		headerVersion:   messageVersion,
		headerType:      messageType,
	})

	return p.publisher.Publish(ctx, p.queue, payload, headers)
}
