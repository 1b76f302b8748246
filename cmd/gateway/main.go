// Command gateway runs the external HTTP surface: submission, status
// lookup, and log/kill proxying to the owning Runner.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/go-evalplane/internal/audit"
	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/gateway"
	"github.com/basket/go-evalplane/internal/index"
	"github.com/basket/go-evalplane/internal/queue"
	"github.com/basket/go-evalplane/internal/store"
	"github.com/basket/go-evalplane/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "gateway", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		fatalStartup(logger, "E_HOME_DIR_CREATE", err)
	}
	auditDB, err := sql.Open("sqlite3", filepath.Join(cfg.HomeDir, "audit.db"))
	if err != nil {
		logger.Warn("failed to open audit database, continuing with JSONL-only audit trail", "error", err)
	} else if err := audit.SetDB(auditDB); err != nil {
		logger.Warn("failed to initialize audit schema, continuing with JSONL-only audit trail", "error", err)
	} else {
		defer auditDB.Close()
	}

	st, err := store.OpenURL(cfg.StoreURL)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	q, err := queue.OpenURL(cfg.QueueURL)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}
	if closer, ok := q.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	idx, err := index.OpenURL(cfg.IndexURL)
	if err != nil {
		fatalStartup(logger, "E_INDEX_OPEN", err)
	}
	if closer, ok := idx.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	eventBus := bus.NewWithLogger(logger)

	srv := gateway.NewServer(st, q, idx, eventBus, cfg, logger)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err.Error())
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", reasonCode, err)
	}
	os.Exit(1)
}
