package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
)

var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer()")

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook releases one component. Hooks run in registration order and
// share the shutdown deadline.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ServerManager owns the HTTP server lifecycle.
type ServerManager struct {
	httpServer         *fiber.App
	telemetry          *opentelemetry.Telemetry
	logger             log.Logger
	httpAddress        string
	hooks              []ShutdownHook
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
	shutdownErr        error
}

// NewServerManager returns a manager with a thirty second shutdown budget.
// A nil logger is replaced by the nop logger.
func NewServerManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *ServerManager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &ServerManager{
		telemetry:       telemetry,
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
		startupErrors:   make(chan error, 1),
	}
}

func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownChannel replaces OS signals as the shutdown trigger.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// WithShutdownHook appends a hook run after the HTTP server has stopped.
func (sm *ServerManager) WithShutdownHook(name string, fn func(ctx context.Context) error) *ServerManager {
	if fn != nil {
		sm.hooks = append(sm.hooks, ShutdownHook{Name: name, Fn: fn})
	}

	return sm
}

// ServersStarted is closed once the server goroutine has been launched,
// which is not the same as the socket being bound.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// StartWithGracefulShutdown serves until SIGINT, SIGTERM, the shutdown
// channel or a listen failure, then shuts everything down. The returned
// error joins the listen failure with every failed hook.
func (sm *ServerManager) StartWithGracefulShutdown() error {
	if sm.httpServer == nil {
		return ErrNoServerConfigured
	}

	sm.startServer()

	startupErr := sm.waitForShutdown()

	sm.logger.Log(context.Background(), log.LevelInfo, "gracefully shutting down")

	sm.executeShutdown()

	return errors.Join(startupErr, sm.shutdownErr)
}

func (sm *ServerManager) startServer() {
	go func() {
		sm.logger.Log(context.Background(), log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

		if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
			sm.logger.Log(context.Background(), log.LevelError, "HTTP server error", log.Err(err))

			select {
			case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
			default:
			}
		}
	}()

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) waitForShutdown() error {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
			return nil
		case err := <-sm.startupErrors:
			return err
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		sm.logger.Log(context.Background(), log.LevelInfo, "received signal", log.String("signal", sig.String()))

		return nil
	case err := <-sm.startupErrors:
		return err
	}
}

// executeShutdown runs once; later calls are no-ops.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		var errs []error

		if sm.httpServer != nil {
			sm.logger.Log(ctx, log.LevelInfo, "shutting down HTTP server")

			if err := sm.httpServer.ShutdownWithContext(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server shutdown failed", log.Err(err))
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		for _, hook := range sm.hooks {
			sm.logger.Log(ctx, log.LevelInfo, "running shutdown hook", log.String("hook", hook.Name))

			if err := runHook(ctx, hook); err != nil {
				sm.logger.Log(ctx, log.LevelError, "shutdown hook failed",
					log.String("hook", hook.Name), log.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			}
		}

		// Telemetry goes after the hooks so their spans and metrics export.
		if sm.telemetry != nil {
			if err := sm.telemetry.ShutdownTelemetry(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
			}
		}

		sm.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

		_ = sm.logger.Sync(ctx)

		sm.shutdownErr = errors.Join(errs...)
	})
}

func runHook(ctx context.Context, hook ShutdownHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return hook.Fn(ctx)
}
