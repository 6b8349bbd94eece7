package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/piukhq/angelia-sub001/changefeed/circuitbreaker"
	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
)

const (
	StatusAlive     = "alive"
	StatusAvailable = "available"
	StatusDegraded  = "degraded"

	defaultCheckTimeout = 3 * time.Second
)

// DependencyCheck describes one dependency of the readiness probe.
//
// With CircuitBreaker and ServiceName set, the breaker state is reported and
// an open breaker marks the dependency unhealthy. HealthCheck, when set,
// decides health on its own and overrides the breaker.
type DependencyCheck struct {
	Name           string
	CircuitBreaker circuitbreaker.Manager
	ServiceName    string
	HealthCheck    func(ctx context.Context) bool
	// Timeout bounds HealthCheck; zero means three seconds.
	Timeout time.Duration
}

type DependencyStatus struct {
	CircuitBreakerState string `json:"circuit_breaker_state,omitempty"`
	Healthy             bool   `json:"healthy"`
	Requests            uint32 `json:"requests,omitempty"`
	TotalFailures       uint32 `json:"total_failures,omitempty"`
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
}

// HealthWithDependencies answers 200 with status "available" when every
// dependency is healthy and 503 with "degraded" otherwise.
func HealthWithDependencies(dependencies ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		overall := StatusAvailable
		httpStatus := fiber.StatusOK

		statuses := make(map[string]*DependencyStatus, len(dependencies))

		for _, dep := range dependencies {
			status := checkDependency(c.UserContext(), dep)
			if !status.Healthy {
				overall = StatusDegraded
				httpStatus = fiber.StatusServiceUnavailable
			}

			statuses[dep.Name] = status
		}

		return c.Status(httpStatus).JSON(fiber.Map{
			"status":       overall,
			"dependencies": statuses,
		})
	}
}

func checkDependency(ctx context.Context, dep DependencyCheck) *DependencyStatus {
	status := &DependencyStatus{Healthy: true}

	if !nilcheck.Interface(dep.CircuitBreaker) && dep.ServiceName != "" {
		counts := dep.CircuitBreaker.GetCounts(dep.ServiceName)

		status.CircuitBreakerState = string(dep.CircuitBreaker.GetState(dep.ServiceName))
		status.Requests = counts.Requests
		status.TotalFailures = counts.TotalFailures
		status.ConsecutiveFailures = counts.ConsecutiveFailures
		status.Healthy = dep.CircuitBreaker.IsHealthy(dep.ServiceName)
	}

	if dep.HealthCheck != nil {
		timeout := dep.Timeout
		if timeout <= 0 {
			timeout = defaultCheckTimeout
		}

		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		status.Healthy = dep.HealthCheck(checkCtx)
	}

	return status
}
