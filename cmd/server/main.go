/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coverage engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build logger and metrics
  3. Open the store (sqlite, postgres or memory)
  4. Connect the Redis enrolment lock (optional)
  5. Build engine services and API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides APP_ADDR)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See app/config.go. A .env file in the working directory is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close lock and store connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/coverage.db"

  # Run against Postgres with the Redis lock
  STORE_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - app/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/coverage-engine/api"
	"github.com/warp/coverage-engine/app"
	"github.com/warp/coverage-engine/billing"
	"github.com/warp/coverage-engine/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "", "HTTP listen address (overrides APP_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.AppAddr = *addr
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	cal, err := cfg.Calendar()
	if err != nil {
		return err
	}

	ctx := context.Background()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer closeStore()

	locker, closeLocker, err := app.OpenLocker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer closeLocker()

	metrics := observability.NewMetrics()

	payments := billing.NewPaymentService(store, cal)
	payments.Locker = locker
	payments.Observer = metrics
	payments.Logger = logger
	payments.MaxAttempts = cfg.PaymentMaxAttempts
	payments.RetryBackoff = cfg.PaymentRetryBackoff

	reconciler := billing.NewReconciler(store, cal)

	handler := api.NewHandler(payments, reconciler, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.AppAddr,
			"env", cfg.AppEnv,
			"store", cfg.StoreDriver,
			"timezone", cfg.BusinessTimezone,
			"redis_lock", locker != nil,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
