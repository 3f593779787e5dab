package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/pkg/logging"
	"algotrader/pkg/telemetry"

	"github.com/grafana/pyroscope-go"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time with -ldflags "-X algotrader/internal/bootstrap.Version=..."
var Version = "dev"

// App represents the application context and holds core dependencies.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	zap      *logging.ZapLogger
	profiler *pyroscope.Profiler
}

// NewApp creates a new App instance by bootstrapping all dependencies.
// Config errors are returned unwrapped so callers can detect FatalConfigError.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewAppFromConfig(cfg)
}

// NewAppFromConfig wires logging, telemetry and profiling for an already loaded config
func NewAppFromConfig(cfg *config.Config) (*App, error) {
	tel, err := telemetry.Setup(cfg.App.Name, telemetry.Options{
		Version:      Version,
		ExportTraces: cfg.Telemetry.ExportTraces,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zl, err := InitLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{
		Cfg:       cfg,
		Logger:    zl.WithField("app", cfg.App.Name),
		Telemetry: tel,
		zap:       zl,
	}

	if cfg.Telemetry.PyroscopeServer != "" {
		app.profiler, err = pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.App.Name,
			ServerAddress:   cfg.Telemetry.PyroscopeServer,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			// Profiling is optional
			zl.Warn("pyroscope disabled", "error", err)
		}
	}

	return app, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs all runners until ctx is cancelled or one of them fails
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "name", a.Cfg.App.Name, "version", Version, "runners", len(runners))

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	// errgroup cancels the shared context on the first failure, so
	// context.Canceled alone means a signal-driven shutdown.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Close flushes telemetry, stops the profiler and syncs logs
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.profiler != nil {
		_ = a.profiler.Stop()
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	_ = a.zap.Sync()
}
