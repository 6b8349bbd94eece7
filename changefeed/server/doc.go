// Package server runs the HTTP probe server and drives an ordered graceful
// shutdown: stop accepting requests, run the registered hooks, flush
// telemetry, sync the logger.
package server
