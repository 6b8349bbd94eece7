//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type testMeterProvider struct {
	metric.MeterProvider
	meter metric.Meter
}

func (provider testMeterProvider) Meter(_ string, _ ...metric.MeterOption) metric.Meter {
	return provider.meter
}

type failingMeter struct {
	metric.Meter
	failOnName string
	failErr    error
}

func (meter failingMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Int64Counter(name, options...)
}

func (meter failingMeter) Float64Histogram(name string, options ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Float64Histogram(name, options...)
}

func (meter failingMeter) Int64Gauge(name string, options ...metric.Int64GaugeOption) (metric.Int64Gauge, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Int64Gauge(name, options...)
}

func TestNewDispatcherMetrics_DefaultProvider(t *testing.T) {
	t.Parallel()

	metrics, err := newDispatcherMetrics(nil)
	require.NoError(t, err)
	require.NotNil(t, metrics.eventsDispatched)
	require.NotNil(t, metrics.eventsRequeued)
	require.NotNil(t, metrics.eventsRejected)
	require.NotNil(t, metrics.dispatchLatency)
	require.NotNil(t, metrics.backlogDepth)
}

func TestNewDispatcherMetrics_ErrorPaths(t *testing.T) {
	t.Parallel()

	names := []string{
		"outbox.events.dispatched",
		"outbox.events.requeued",
		"outbox.events.rejected",
		"outbox.dispatch.latency",
		"outbox.backlog.depth",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			errMeter := errors.New("meter failure")
			provider := testMeterProvider{meter: failingMeter{
				Meter:      noop.NewMeterProvider().Meter("test"),
				failOnName: name,
				failErr:    errMeter,
			}}

			_, err := newDispatcherMetrics(provider)
			require.ErrorIs(t, err, errMeter)
			require.ErrorContains(t, err, name)

			_, err = NewDispatcher(&fakePublisher{}, nil, nil, WithMeterProvider(provider))
			require.ErrorIs(t, err, errMeter)
		})
	}
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	publisher := &fakePublisher{
		failWhen: func(_ int, _ string, payload map[string]any) error {
			if payload["table"] == "b" {
				return errBrokerDown
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil, WithMeterProvider(provider))

	dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecords(t, "a", "b", "c")...))

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &collected))

	values := map[string]int64{}

	for _, scope := range collected.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, point := range data.DataPoints {
					values[m.Name] += point.Value
				}
			case metricdata.Gauge[int64]:
				for _, point := range data.DataPoints {
					values[m.Name] = point.Value
				}
			case metricdata.Histogram[float64]:
				for _, point := range data.DataPoints {
					values[m.Name] += int64(point.Count)
				}
			}
		}
	}

	assert.Equal(t, int64(2), values["outbox.events.dispatched"])
	assert.Equal(t, int64(1), values["outbox.events.requeued"])
	assert.Equal(t, int64(1), values["outbox.backlog.depth"])
	assert.Equal(t, int64(1), values["outbox.dispatch.latency"])
}
