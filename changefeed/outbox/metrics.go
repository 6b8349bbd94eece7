package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	eventsDispatched metric.Int64Counter
	eventsRequeued   metric.Int64Counter
	eventsRejected   metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	backlogDepth     metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("changefeed.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.eventsDispatched, err = meter.Int64Counter(
		"outbox.events.dispatched",
		metric.WithDescription("Number of change events confirmed by the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.dispatched counter: %w", err)
	}

	metrics.eventsRequeued, err = meter.Int64Counter(
		"outbox.events.requeued",
		metric.WithDescription("Number of change events put back for a later cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.requeued counter: %w", err)
	}

	metrics.eventsRejected, err = meter.Int64Counter(
		"outbox.events.rejected",
		metric.WithDescription("Number of change events dropped after a non-retryable failure"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.rejected counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.backlogDepth, err = meter.Int64Gauge(
		"outbox.backlog.depth",
		metric.WithDescription("Number of undelivered change events parked after a cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.backlog.depth gauge: %w", err)
	}

	return metrics, nil
}
