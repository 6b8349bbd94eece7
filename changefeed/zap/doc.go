// Package zap implements changefeed/log on top of go.uber.org/zap.
//
// Entries are teed into the OpenTelemetry log bridge and carry trace and span
// ids when the context holds an active span.
package zap
