// Package changefeed wires the change-event pipeline components into
// long-running apps driven by a Launcher.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

var (
	ErrLoggerNil    = errors.New("logger is nil")
	ErrNilLauncher  = errors.New("launcher is nil")
	ErrEmptyApp     = errors.New("app name is empty")
	ErrNilApp       = errors.New("app is nil")
	ErrConfigFailed = errors.New("launcher configuration failed")
	ErrAppPanicked  = errors.New("app panicked")
)

// App is a component that runs until it is told to stop.
type App interface {
	Run(launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(launcher *Launcher) error

func (fn AppFunc) Run(launcher *Launcher) error { return fn(launcher) }

type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an app. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs a set of apps and waits for all of them to return.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error
}

func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if nilcheck.Interface(a) {
		return ErrNilApp
	}

	l.apps[appName] = a

	return nil
}

// Run is RunWithError with the error logged instead of returned.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil && l != nil && l.Logger != nil {
		l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
	}
}

// RunWithError starts every app in its own goroutine and blocks until all
// of them return. App errors and panics are logged, not propagated.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if nilcheck.Interface(l.Logger) {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	names := make([]string, 0, len(l.apps))
	for name := range l.apps {
		names = append(names, name)
	}

	sort.Strings(names)

	l.Logger.Log(context.Background(), log.LevelInfo, "starting apps", log.Int("count", len(names)))

	l.wg.Add(len(names))

	for _, name := range names {
		go l.runOne(name, l.apps[name])
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return nil
}

func (l *Launcher) runOne(name string, app App) {
	defer l.wg.Done()

	l.Logger.Log(context.Background(), log.LevelInfo, "app starting", log.String("app", name))

	if err := runRecovered(app, l); err != nil {
		l.Logger.Log(context.Background(), log.LevelError, "app error", log.String("app", name), log.Err(err))
	}

	l.Logger.Log(context.Background(), log.LevelInfo, "app finished", log.String("app", name))
}

func runRecovered(app App, l *Launcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAppPanicked, r)
		}
	}()

	return app.Run(l)
}

// NewLauncher creates a Launcher and applies opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}
