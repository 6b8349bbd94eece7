package circuitbreaker

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/piukhq/angelia-sub001/changefeed"
	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

// HealthChecker probes the dependencies behind open breakers and resets a
// breaker once its probe passes.
type HealthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         log.Logger
	stopOnce       sync.Once
	stopChan       chan struct{}
	immediateCheck chan string
	mu             sync.RWMutex
}

var (
	_ StateChangeListener = (*HealthChecker)(nil)
	_ changefeed.App      = (*HealthChecker)(nil)
)

// NewHealthChecker validates its arguments and returns a stopped checker.
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger log.Logger) (*HealthChecker, error) {
	if nilcheck.Interface(manager) {
		return nil, ErrNilManager
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &HealthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

func (hc *HealthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	if healthCheckFn == nil {
		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn
}

// Run checks every interval, and immediately after a breaker opens, until
// Stop is called.
func (hc *HealthChecker) Run(_ *changefeed.Launcher) error {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll()
		case serviceName := <-hc.immediateCheck:
			hc.check(serviceName)
		case <-hc.stopChan:
			return nil
		}
	}
}

func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}

// Status maps each registered service to its breaker state.
func (hc *HealthChecker) Status() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))
	for serviceName := range hc.services {
		status[serviceName] = string(hc.manager.GetState(serviceName))
	}

	return status
}

func (hc *HealthChecker) OnStateChange(serviceName string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- serviceName:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate health check queue full; waiting for next interval",
			log.String("service", serviceName))
	}
}

func (hc *HealthChecker) checkAll() {
	hc.mu.RLock()
	services := maps.Clone(hc.services)
	hc.mu.RUnlock()

	for serviceName := range services {
		hc.check(serviceName)
	}
}

func (hc *HealthChecker) check(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists || hc.manager.IsHealthy(serviceName) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := healthCheckFn(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "service still unhealthy",
			log.String("service", serviceName), log.Err(err), log.Duration("retry_in", hc.interval))

		return
	}

	hc.logger.Log(context.Background(), log.LevelInfo, "service recovered; resetting circuit breaker",
		log.String("service", serviceName))
	hc.manager.Reset(serviceName)
}
