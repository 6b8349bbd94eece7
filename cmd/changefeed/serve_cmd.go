package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/piukhq/angelia-sub001/changefeed"
	"github.com/piukhq/angelia-sub001/changefeed/backoff"
	"github.com/piukhq/angelia-sub001/changefeed/capture"
	"github.com/piukhq/angelia-sub001/changefeed/circuitbreaker"
	"github.com/piukhq/angelia-sub001/changefeed/config"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	libHTTP "github.com/piukhq/angelia-sub001/changefeed/net/http"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
	"github.com/piukhq/angelia-sub001/changefeed/outbox"
	"github.com/piukhq/angelia-sub001/changefeed/postgres"
	"github.com/piukhq/angelia-sub001/changefeed/rabbitmq"
	"github.com/piukhq/angelia-sub001/changefeed/server"
	czap "github.com/piukhq/angelia-sub001/changefeed/zap"
)

const (
	breakerCheckInterval = 10 * time.Second
	breakerCheckTimeout  = 5 * time.Second
	startupConnectWait   = 10 * time.Second
	dbConnectAttempts    = 5
	dbConnectBackoff     = 500 * time.Millisecond
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the change-event dispatcher with health endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.EnvFiles...)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			telemetry, err := newTelemetry(cfg, logger)
			if err != nil {
				_ = logger.Sync(cmd.Context())

				return err
			}

			svc, err := newService(cfg, logger, telemetry)
			if err != nil {
				_ = telemetry.ShutdownTelemetry(cmd.Context())
				_ = logger.Sync(cmd.Context())

				return err
			}

			return svc.run(cmd.Context(), nil)
		},
	}
}

// service is the composed pipeline: capture feeds the dispatcher, which
// publishes through the sender. Coordinator and Store are the entry points
// for code embedding the pipeline.
type service struct {
	cfg       *config.Config
	logger    log.Logger
	telemetry *opentelemetry.Telemetry
	entities  []config.Entity

	conn        *rabbitmq.Connection
	sender      *rabbitmq.Sender
	breakers    circuitbreaker.Manager
	breakerPoll *circuitbreaker.HealthChecker
	dispatcher  *outbox.Dispatcher
	Coordinator *capture.Coordinator
	db          *postgres.Client
	Store       *postgres.Store
	app         *fiber.App
}

func newService(cfg *config.Config, logger log.Logger, telemetry *opentelemetry.Telemetry) (*service, error) {
	svc := &service{cfg: cfg, logger: logger, telemetry: telemetry}

	svc.breakers = circuitbreaker.NewManager(logger)
	svc.conn = newConnection(cfg, logger)

	var senderOpts []rabbitmq.SenderOption
	if telemetry != nil && telemetry.MeterProvider != nil {
		senderOpts = append(senderOpts, rabbitmq.WithMeterProvider(telemetry.MeterProvider))
	}

	sender, err := newSender(cfg, svc.conn, svc.breakers, logger, senderOpts...)
	if err != nil {
		return nil, err
	}

	svc.sender = sender

	publisher, err := rabbitmq.NewEventPublisher(sender, cfg.Rabbit.Queue)
	if err != nil {
		return nil, err
	}

	dispatcherOpts := []outbox.DispatcherOption{
		outbox.WithSweepInterval(cfg.Publish.SweepInterval),
		outbox.WithRetryClassifier(outbox.RetryClassifierFunc(rabbitmq.IsNonRetryable)),
	}

	if telemetry != nil && telemetry.MeterProvider != nil {
		dispatcherOpts = append(dispatcherOpts, outbox.WithMeterProvider(telemetry.MeterProvider))
	}

	svc.dispatcher, err = outbox.NewDispatcher(publisher, logger, svc.tracer("changefeed.outbox"), dispatcherOpts...)
	if err != nil {
		return nil, err
	}

	svc.entities, err = cfg.Entities()
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(svc.entities)
	if err != nil {
		return nil, err
	}

	svc.Coordinator, err = capture.NewCoordinator(registry, svc.dispatcher, logger)
	if err != nil {
		return nil, err
	}

	svc.breakerPoll, err = circuitbreaker.NewHealthChecker(svc.breakers, breakerCheckInterval, breakerCheckTimeout, logger)
	if err != nil {
		return nil, err
	}

	svc.breakerPoll.Register(brokerBreakerName, brokerProbe(sender))
	svc.breakers.RegisterStateChangeListener(svc.breakerPoll)

	if cfg.Database.PrimaryDSN != "" {
		svc.db = &postgres.Client{
			PrimaryDSN: cfg.Database.PrimaryDSN,
			ReplicaDSN: cfg.Database.ReplicaDSN,
			Logger:     logger,
		}
	}

	svc.app = svc.newHTTPApp()

	return svc, nil
}

func (svc *service) tracer(name string) trace.Tracer {
	if svc.telemetry == nil {
		return nil
	}

	return svc.telemetry.Tracer(name)
}

func (svc *service) newHTTPApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          libHTTP.ErrorHandler(svc.logger),
	})

	app.Use(libHTTP.WithHTTPLogging(svc.logger, "/healthz", "/livez", "/readyz"))

	dependencies := []libHTTP.DependencyCheck{{
		Name:           "rabbitmq",
		CircuitBreaker: svc.breakers,
		ServiceName:    brokerBreakerName,
		HealthCheck:    svc.sender.HealthCheck,
	}}

	if svc.db != nil {
		dependencies = append(dependencies, libHTTP.DependencyCheck{
			Name:        "postgres",
			HealthCheck: svc.db.HealthCheck,
		})
	}

	app.Get("/healthz", libHTTP.Ping)
	app.Get("/livez", libHTTP.Live)
	app.Get("/readyz", libHTTP.HealthWithDependencies(dependencies...))
	app.Get("/version", libHTTP.Version(version))

	return app
}

// connect opens the optional database and tries the broker once. A broker
// that is down at startup is not fatal: the sender dials on first publish.
func (svc *service) connect(ctx context.Context) error {
	if svc.db != nil {
		resolver, err := svc.connectDatabase(ctx)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}

		svc.Store, err = postgres.NewStore(resolver, svc.Coordinator, svc.logger, storeEntities(svc.entities)...)
		if err != nil {
			_ = svc.db.Close()

			return err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, startupConnectWait)
	defer cancel()

	if err := svc.sender.DeclareTopology(connectCtx, svc.cfg.Rabbit.Queue); err != nil {
		svc.logger.Log(ctx, log.LevelWarn, "rabbitmq unavailable at startup; will retry on publish", log.Err(err))
	}

	return nil
}

// connectDatabase retries the first database connection with jittered
// exponential backoff.
func (svc *service) connectDatabase(ctx context.Context) (dbresolver.DB, error) {
	var lastErr error

	for attempt := range dbConnectAttempts {
		if attempt > 0 {
			if err := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(dbConnectBackoff, attempt-1)); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}

		resolver, err := svc.db.Resolver(ctx)
		if err == nil {
			return resolver, nil
		}

		lastErr = err

		svc.logger.Log(ctx, log.LevelWarn, "postgres connection attempt failed",
			log.Int("attempt", attempt+1), log.Err(err))
	}

	return nil, lastErr
}

// run blocks until the HTTP server stops. Closing shutdown, or a SIGINT or
// SIGTERM, starts the graceful shutdown.
func (svc *service) run(ctx context.Context, shutdown <-chan struct{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := svc.connect(ctx); err != nil {
		log.SafeError(svc.logger, ctx, "changefeed startup failed", err,
			loggerEnvironment(svc.cfg.EnvName) == czap.EnvironmentProduction)

		if svc.telemetry != nil {
			_ = svc.telemetry.ShutdownTelemetry(ctx)
		}

		_ = svc.logger.Sync(ctx)

		return err
	}

	manager := server.NewServerManager(svc.telemetry, svc.logger).
		WithHTTPServer(svc.app, svc.cfg.ServerAddress).
		WithShutdownTimeout(svc.cfg.ShutdownTimeout).
		WithShutdownHook("outbox dispatcher", svc.dispatcher.Shutdown).
		WithShutdownHook("breaker health checker", func(context.Context) error {
			svc.breakerPoll.Stop()

			return nil
		}).
		WithShutdownHook("rabbitmq sender", svc.sender.Close)

	if svc.db != nil {
		manager = manager.WithShutdownHook("postgres", func(context.Context) error { return svc.db.Close() })
	}

	if shutdown != nil {
		manager = manager.WithShutdownChannel(shutdown)
	}

	var serverErr error

	launcher := changefeed.NewLauncher(
		changefeed.WithLogger(svc.logger),
		changefeed.RunApp("outbox sweep", svc.dispatcher),
		changefeed.RunApp("breaker health checker", svc.breakerPoll),
		changefeed.RunApp("http server", changefeed.AppFunc(func(*changefeed.Launcher) error {
			serverErr = manager.StartWithGracefulShutdown()

			return serverErr
		})),
	)

	if err := launcher.RunWithError(); err != nil {
		return err
	}

	return serverErr
}
