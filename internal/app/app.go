// Package app wires arbengine's chains, oracles, executors, stores and sinks
// and runs one operating mode: execute, reconcile or dry-run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/config"
)

// modeFunc runs one operating mode with wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	config.ModeExecute:   (*App).ExecuteMode,
	config.ModeReconcile: (*App).ReconcileMode,
	config.ModeDryRun:    (*App).DryRunMode,
}

// App owns the configuration and the cleanup of everything Wire opened.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// root is the unscoped logger handed to components.
	root *slog.Logger

	closeOnce sync.Once
	cleanup   func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		root:   logger,
	}
}

// Run wires dependencies and blocks in the configured mode until it returns
// or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "wiring dependencies", slog.String("mode", mode))
	deps, cleanup, err := Wire(ctx, a.cfg, a.root)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.cleanup = cleanup

	return run(a, ctx, deps)
}

// Close releases everything Run opened. Later calls do nothing.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.cleanup == nil {
			return
		}
		a.logger.Info("releasing resources")
		a.cleanup()
	})
}
