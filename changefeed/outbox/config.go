package outbox

import (
	"time"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

// DispatcherConfig controls the backlog sweep and metrics.
type DispatcherConfig struct {
	// SweepInterval is the period of the background backlog flush. Zero
	// disables the sweep and leftovers wait for the next commit.
	SweepInterval time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline configuration: no sweep.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{}
}

func (cfg *DispatcherConfig) normalize() {
	if cfg.SweepInterval < 0 {
		cfg.SweepInterval = 0
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithSweepInterval enables the periodic backlog flush run by Run.
func WithSweepInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.SweepInterval = interval
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier. Records whose
// failure it flags are dropped instead of re-queued.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(classifier) {
			dispatcher.retryClassifier = nil

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithMeterProvider injects a meter provider for dispatcher metrics.
// Passing nil keeps the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
