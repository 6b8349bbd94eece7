package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates a breaker manager. A nil logger discards output.
func NewManager(logger log.Logger) Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

func (m *manager) GetOrCreate(serviceName string, config Config) (CircuitBreaker, error) {
	if strings.TrimSpace(serviceName) == "" {
		return nil, ErrServiceNameRequired
	}

	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	breaker = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created", log.String("service", serviceName))

	return &circuitBreaker{breaker: breaker}, nil
}

func (m *manager) settings(serviceName string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}

			if counts.Requests == 0 || counts.Requests < config.MinRequests || config.FailureRatio <= 0 {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	}
}

// Execute runs fn through the named breaker. Rejections by an open or
// saturated half-open breaker are wrapped with ErrOpen.
func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, serviceName)
	}

	result, err := breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker rejected request",
			log.String("service", serviceName), log.String("state", string(convertState(breaker.State()))))

		return nil, fmt.Errorf("%w: service %s: %w", ErrOpen, serviceName, err)
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

func (m *manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

// Reset replaces the named breaker with a fresh closed one.
func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; !exists {
		return
	}

	config, ok := m.configs[serviceName]
	if !ok {
		delete(m.breakers, serviceName)

		return
	}

	m.breakers[serviceName] = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("service", serviceName))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) handleStateChange(serviceName string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName),
		log.String("from", from.String()),
		log.String("to", to.String()))

	fromState := convertState(from)
	toState := convertState(to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "circuit breaker listener panicked",
						log.String("service", serviceName), log.String("panic", fmt.Sprint(r)))
				}
			}()

			l.OnStateChange(serviceName, fromState, toState)
		}(listener)
	}
}
