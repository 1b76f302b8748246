// Command reactor consumes evaluation lifecycle events off the Bus and
// is the sole writer of the Store, maintaining the Routing Index in
// lockstep and reconciling evaluations whose Runner went silent.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/index"
	"github.com/basket/go-evalplane/internal/reactor"
	"github.com/basket/go-evalplane/internal/store"
	"github.com/basket/go-evalplane/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "reactor", cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()

	st, err := store.OpenURL(cfg.StoreURL)
	if err != nil {
		fatal(logger, "E_STORE_OPEN", err)
	}
	idx, err := index.OpenURL(cfg.IndexURL)
	if err != nil {
		fatal(logger, "E_INDEX_OPEN", err)
	}

	eventBus := bus.NewWithLogger(logger)

	r := reactor.New(st, idx, eventBus, reactor.Config{
		IndexGrace:        time.Duration(cfg.IndexGraceS) * time.Second,
		ReconcileInterval: 30 * time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.Start(ctx)
	logger.Info("reactor started")

	<-ctx.Done()
	logger.Info("shutdown signal received")
	r.Stop()
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err.Error())
	}
	os.Exit(1)
}
