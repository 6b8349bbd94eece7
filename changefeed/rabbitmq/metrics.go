package rabbitmq

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/piukhq/angelia-sub001/changefeed/log"
)

const (
	outcomeConfirmed = "confirmed"
	outcomeFailed    = "failed"
)

type senderMetrics struct {
	publishes metric.Int64Counter
	retries   metric.Int64Counter
}

// newSenderMetrics falls back to no-op instruments when the provider
// refuses to create them; publishing never depends on metrics.
func newSenderMetrics(provider metric.MeterProvider, logger log.Logger) senderMetrics {
	meter := provider.Meter("changefeed.rabbitmq.sender")

	publishes, pubErr := meter.Int64Counter(
		"rabbitmq.publishes",
		metric.WithDescription("Publish calls by final outcome"),
		metric.WithUnit("{message}"),
	)

	retries, retryErr := meter.Int64Counter(
		"rabbitmq.publish.retries",
		metric.WithDescription("Reconnect and republish rounds after a transient failure"),
		metric.WithUnit("{retry}"),
	)

	if err := errors.Join(pubErr, retryErr); err != nil {
		logger.Log(context.Background(), log.LevelWarn, "rabbitmq sender metrics disabled", log.Err(err))

		fallback := noop.NewMeterProvider().Meter("changefeed.rabbitmq.sender")
		publishes, _ = fallback.Int64Counter("rabbitmq.publishes")
		retries, _ = fallback.Int64Counter("rabbitmq.publish.retries")
	}

	return senderMetrics{publishes: publishes, retries: retries}
}

func (m senderMetrics) recordOutcome(ctx context.Context, queue, outcome string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

func (m senderMetrics) recordRetry(ctx context.Context, queue string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
