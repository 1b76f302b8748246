// Command dispatcher claims queued evaluations and hands them to live
// Runners drawn from the pool topology.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/dispatcher"
	"github.com/basket/go-evalplane/internal/queue"
	"github.com/basket/go-evalplane/internal/store"
	"github.com/basket/go-evalplane/internal/telemetry"
)

func main() {
	topologyPath := flag.String("topology", "pools.yaml", "path to the Runner-pool topology file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "dispatcher", cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()

	topology, err := config.LoadTopology(*topologyPath)
	if err != nil {
		fatal(logger, "E_TOPOLOGY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "topology_loaded", "pools", len(topology.Pools))

	st, err := store.OpenURL(cfg.StoreURL)
	if err != nil {
		fatal(logger, "E_STORE_OPEN", err)
	}
	q, err := queue.OpenURL(cfg.QueueURL)
	if err != nil {
		fatal(logger, "E_QUEUE_OPEN", err)
	}

	eventBus := bus.NewWithLogger(logger)

	d := dispatcher.New(st, q, eventBus, topology, dispatcher.FromAppConfig(cfg), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Start(ctx)
	logger.Info("dispatcher started", "workers", dispatcher.FromAppConfig(cfg).WorkerCount)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	d.Wait()
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err.Error())
	}
	os.Exit(1)
}
