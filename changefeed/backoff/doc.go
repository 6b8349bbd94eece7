// Package backoff provides retry delay helpers.
//
// Linear matches the broker publish retry policy (fixed step, capped);
// ExponentialWithJitter spaces out reconnect attempts. WaitContext sleeps
// while honouring cancellation.
package backoff
