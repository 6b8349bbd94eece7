package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

var (
	ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")
	ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")
	ErrEndpointRequired   = errors.New("telemetry collector endpoint is required when telemetry is enabled")
)

type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry owns the providers created by InitializeTelemetry.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       func(ctx context.Context) error
}

func (cfg *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKLanguageGo,
	)
}

// InitializeTelemetry builds the providers and installs them globally along
// with the W3C trace context propagator. With telemetry disabled the
// providers are local no-export instances and nothing global changes
// except the propagator.
func InitializeTelemetry(cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	if nilcheck.Interface(cfg.Logger) {
		return nil, ErrNilTelemetryLogger
	}

	ctx := context.Background()
	logger := cfg.Logger

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.EnableTelemetry {
		logger.Log(ctx, log.LevelWarn, "telemetry disabled")

		return &Telemetry{
			TelemetryConfig: *cfg,
			TracerProvider:  sdktrace.NewTracerProvider(),
			MeterProvider:   sdkmetric.NewMeterProvider(),
			LoggerProvider:  sdklog.NewLoggerProvider(),
			shutdown:        func(context.Context) error { return nil },
		}, nil
	}

	if cfg.CollectorExporterEndpoint == "" {
		return nil, ErrEndpointRequired
	}

	resource := cfg.newResource()

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := newTracerProvider(resource, traceExporter)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(resource),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("endpoint", cfg.CollectorExporterEndpoint))

	return &Telemetry{
		TelemetryConfig: *cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		shutdown: func(ctx context.Context) error {
			// Providers shut their exporters down as well.
			return errors.Join(
				mp.Shutdown(ctx),
				tp.Shutdown(ctx),
				lp.Shutdown(ctx),
			)
		},
	}, nil
}

func newTracerProvider(resource *sdkresource.Resource, exporter *otlptrace.Exporter) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource),
	)
}

// Tracer returns a tracer from the telemetry's provider, or the global one.
func (tl *Telemetry) Tracer(name string) trace.Tracer {
	if tl == nil || tl.TracerProvider == nil {
		return otel.Tracer(name)
	}

	return tl.TracerProvider.Tracer(name)
}

// ShutdownTelemetry flushes and stops every provider.
func (tl *Telemetry) ShutdownTelemetry(ctx context.Context) error {
	if tl == nil || tl.shutdown == nil {
		return nil
	}

	if err := tl.shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown telemetry: %w", err)
	}

	return nil
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span != nil && *span != nil {
		(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
	}
}

// HandleSpanError marks the span failed and records err.
func HandleSpanError(span *trace.Span, message string, err error) {
	if span != nil && *span != nil && err != nil {
		(*span).SetStatus(codes.Error, message+": "+err.Error())
		(*span).RecordError(err)
	}
}

// InjectQueueTraceContext returns the W3C headers for the span in ctx.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders copies baseHeaders and adds the trace headers.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)
	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders is the consumer side of
// PrepareQueueHeaders. Non-string header values are ignored.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, headers map[string]any) context.Context {
	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	if len(carrier) == 0 {
		return baseCtx
	}

	return otel.GetTextMapPropagator().Extract(baseCtx, carrier)
}

// GetTraceIDFromContext returns the trace id of the span in ctx, or "".
func GetTraceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}
