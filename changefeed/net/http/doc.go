// Package http holds the fiber handlers and middleware behind the service's
// probe endpoints.
package http
