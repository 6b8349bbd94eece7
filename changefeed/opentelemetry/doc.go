// Package opentelemetry sets up OTLP trace, metric and log providers and
// carries W3C trace context across the broker in message headers.
package opentelemetry
