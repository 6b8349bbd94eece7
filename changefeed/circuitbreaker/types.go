package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrNilManager                 = errors.New("circuitbreaker: manager is nil")
	ErrBreakerNotFound            = errors.New("circuitbreaker: breaker not found, call GetOrCreate first")
	ErrServiceNameRequired        = errors.New("circuitbreaker: service name is required")
	ErrOpen                       = errors.New("circuitbreaker: circuit open")
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	ErrInvalidHealthCheckTimeout  = errors.New("circuitbreaker: health check timeout must be positive")
)

// Manager keeps one breaker per service name.
type Manager interface {
	GetOrCreate(serviceName string, config Config) (CircuitBreaker, error)
	Execute(serviceName string, fn func() (any, error)) (any, error)
	GetState(serviceName string) State
	GetCounts(serviceName string) Counts
	// IsHealthy is true only for a closed breaker.
	IsHealthy(serviceName string) bool
	Reset(serviceName string)
	RegisterStateChangeListener(listener StateChangeListener)
}

type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds breaker thresholds.
type Config struct {
	MaxRequests         uint32        // requests let through while half-open
	Interval            time.Duration // closed-state counter reset period
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32 // requests before FailureRatio applies
}

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

// HealthCheckFunc probes a dependency; nil means healthy.
type HealthCheckFunc func(ctx context.Context) error

// StateChangeListener is notified on every breaker transition.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
