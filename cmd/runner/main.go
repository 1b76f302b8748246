// Command runner executes one evaluation at a time inside a Docker
// sandbox and exposes the /run, /logs, /kill, /running, /health
// surface that the Dispatcher and Gateway talk to.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/runner"
	"github.com/basket/go-evalplane/internal/telemetry"
	"github.com/google/uuid"
)

func main() {
	bindAddr := flag.String("bind", envOr("RUNNER_BIND_ADDR", "0.0.0.0:9090"), "address the Runner's HTTP surface listens on")
	runnerID := flag.String("id", envOr("RUNNER_ID", ""), "stable identifier reported in run responses and heartbeats (default: generated)")
	workspace := flag.String("workspace", envOr("RUNNER_WORKSPACE", "./data/runner-workspace"), "host directory mounted into sandboxed containers")
	memoryMB := flag.Int64("memory-mb", envOrInt64("RUNNER_DEFAULT_MEMORY_MB", 256), "default container memory cap in MiB")
	cpuShares := flag.Int64("cpu-shares", envOrInt64("RUNNER_DEFAULT_CPU_SHARES", 512), "default container CPU shares")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	id := *runnerID
	if id == "" {
		id = uuid.NewString()
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "runner-"+id, cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger = logger.With("runner_id", id)

	if err := os.MkdirAll(*workspace, 0o755); err != nil {
		fatal(logger, "E_WORKSPACE_CREATE", err)
	}
	absWorkspace, err := filepath.Abs(*workspace)
	if err != nil {
		fatal(logger, "E_WORKSPACE_CREATE", err)
	}

	sandbox, err := runner.NewDockerSandbox(absWorkspace)
	if err != nil {
		fatal(logger, "E_SANDBOX_INIT", err)
	}
	defer sandbox.Close()

	eventBus := bus.NewWithLogger(logger)
	slot := runner.NewSlot(sandbox, eventBus, id, cfg.OutputPreviewBytes, logger)

	heartbeatEvery := time.Duration(cfg.RunnerHeartbeatS) * time.Second
	srv := runner.NewServer(slot, heartbeatEvery, *memoryMB, *cpuShares, logger)

	httpServer := &http.Server{
		Addr:    *bindAddr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("runner listening", "addr", *bindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("runner server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err.Error())
	}
	os.Exit(1)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envOrInt64(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
