package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"algotrader/internal/bootstrap"
	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/internal/engine"
	"algotrader/internal/infrastructure/health"
	"algotrader/internal/infrastructure/server"
	apperrors "algotrader/pkg/errors"
)

var (
	configFile  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("algotrader", bootstrap.Version)
		return
	}
	os.Exit(run(*configFile))
}

func run(path string) int {
	app, err := bootstrap.NewApp(path)
	if err != nil {
		if apperrors.IsFatalConfig(err) {
			fmt.Fprintln(os.Stderr, err)
		} else {
			fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		}
		return 1
	}
	defer app.Close()

	eng, err := engine.New(app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to build engine", "error", err)
		return 1
	}

	runners := []bootstrap.Runner{eng, reloadOnHangup(path, eng, app.Logger)}
	if addr := app.Cfg.Telemetry.HTTPAddr; addr != "" {
		runners = append(runners, server.New(addr, eng, eng.Health(), app.Logger))
	}
	if addr := app.Cfg.Telemetry.GRPCHealthAddr; addr != "" {
		runners = append(runners, health.NewGRPCServer(addr, eng.Health(), 5*time.Second))
	}

	if err := app.Run(runners...); err != nil {
		return 1
	}
	return 0
}

// reloadOnHangup re-reads the risk section on SIGHUP. A bad file keeps the current limits.
func reloadOnHangup(path string, eng *engine.Engine, logger core.ILogger) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
			}
			limits, err := config.LoadRisk(path)
			if err != nil {
				logger.Error("Risk reload failed, keeping current limits", "error", err)
				continue
			}
			if err := eng.ReloadRisk(ctx, limits); err != nil {
				logger.Error("Risk reload not applied", "error", err)
				continue
			}
			logger.Info("Risk limits reloaded",
				"max_position_per_instrument", limits.MaxPositionPerInstrument.String(),
				"max_gross_exposure", limits.MaxGrossExposure.String(),
				"max_order_rate_per_second", limits.MaxOrderRatePerSecond)
		}
	})
}
