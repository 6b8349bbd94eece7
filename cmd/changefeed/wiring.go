package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/piukhq/angelia-sub001/changefeed/capture"
	"github.com/piukhq/angelia-sub001/changefeed/circuitbreaker"
	"github.com/piukhq/angelia-sub001/changefeed/config"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
	"github.com/piukhq/angelia-sub001/changefeed/postgres"
	"github.com/piukhq/angelia-sub001/changefeed/rabbitmq"
	czap "github.com/piukhq/angelia-sub001/changefeed/zap"
)

const brokerBreakerName = "rabbitmq"

func newLogger(cfg *config.Config) (*czap.Logger, error) {
	return czap.New(czap.Config{
		Environment:     loggerEnvironment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.Telemetry.LibraryName,
	})
}

func loggerEnvironment(name string) czap.Environment {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "production", "prod":
		return czap.EnvironmentProduction
	case "staging", "stage":
		return czap.EnvironmentStaging
	case "development", "dev":
		return czap.EnvironmentDevelopment
	default:
		return czap.EnvironmentLocal
	}
}

func newTelemetry(cfg *config.Config, logger log.Logger) (*opentelemetry.Telemetry, error) {
	return opentelemetry.InitializeTelemetry(&opentelemetry.TelemetryConfig{
		LibraryName:               cfg.Telemetry.LibraryName,
		ServiceName:               cfg.Telemetry.ServiceName,
		ServiceVersion:            version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		EnableTelemetry:           cfg.Telemetry.Enabled,
		Logger:                    logger,
	})
}

func newConnection(cfg *config.Config, logger log.Logger) *rabbitmq.Connection {
	return &rabbitmq.Connection{
		ConnectionStringSource: cfg.Rabbit.URI(),
		HealthCheckURL:         cfg.Rabbit.ManagementURL,
		User:                   cfg.Rabbit.User,
		Pass:                   cfg.Rabbit.Password,
		ConnectionName:         cfg.Telemetry.ServiceName,
		Logger:                 logger,
	}
}

// newSender builds the broker sender. breakers may be nil.
func newSender(cfg *config.Config, conn *rabbitmq.Connection, breakers circuitbreaker.Manager, logger log.Logger, extra ...rabbitmq.SenderOption) (*rabbitmq.Sender, error) {
	opts := []rabbitmq.SenderOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxRetries(cfg.Publish.MaxRetries),
		rabbitmq.WithBackoff(0, cfg.Publish.BackoffFactor, cfg.Publish.MaxInterval),
		rabbitmq.WithConfirmTimeout(cfg.Publish.ConfirmTimeout),
	}

	if breakers != nil {
		if _, err := breakers.GetOrCreate(brokerBreakerName, circuitbreaker.BrokerConfig()); err != nil {
			return nil, fmt.Errorf("create broker circuit breaker: %w", err)
		}

		opts = append(opts, rabbitmq.WithCircuitBreaker(breakers, brokerBreakerName))
	}

	return rabbitmq.NewSender(conn, append(opts, extra...)...)
}

// buildRegistry watches every configured entity with the history mapper.
func buildRegistry(entities []config.Entity) (*capture.Registry, error) {
	registry := capture.NewRegistry()

	for _, entity := range entities {
		if err := registry.Register(entity.Name, capture.StateMapper()); err != nil {
			return nil, fmt.Errorf("watch %s: %w", entity.Name, err)
		}
	}

	return registry, nil
}

// storeEntities keeps the entities that carry a table definition.
func storeEntities(entities []config.Entity) []postgres.Entity {
	out := make([]postgres.Entity, 0, len(entities))

	for _, entity := range entities {
		if !entity.HasTable() {
			continue
		}

		out = append(out, postgres.Entity{
			Name:    entity.Name,
			Table:   entity.Table,
			Key:     entity.Key,
			Columns: entity.Columns,
		})
	}

	return out
}

// brokerProbe adapts the sender health check to the breaker health checker.
func brokerProbe(sender *rabbitmq.Sender) circuitbreaker.HealthCheckFunc {
	return func(ctx context.Context) error {
		if !sender.HealthCheck(ctx) {
			return rabbitmq.ErrBrokerUnhealthy
		}

		return nil
	}
}
