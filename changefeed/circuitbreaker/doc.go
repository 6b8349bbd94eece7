// Package circuitbreaker keeps named gobreaker circuit breakers and a health
// checker that closes an open breaker again once its dependency recovers.
package circuitbreaker
