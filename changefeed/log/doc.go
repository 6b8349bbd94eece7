// Package log defines the logging interface shared by every changefeed
// component, plus typed fields and a no-op implementation.
//
// The zap package provides the production implementation.
package log
