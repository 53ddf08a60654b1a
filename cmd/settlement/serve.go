/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Load .env files, then the configuration from the environment
  2. Pin the business time zone used for "today"
  3. Initialize SQLite store
  4. Create API handler, metrics and move-out scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the move-out scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  settlement serve --db=./data/settlement.db

  # Run with in-memory database on another port
  settlement serve --db=":memory:" --port=3000
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/store/sqlite"
)

func newServeCmd() *cobra.Command {
	var port, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the move-out scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger()
			config.LoadEnv(logger)

			cfg := config.Load()
			if port != "" {
				cfg.Port = port
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP server port (overrides PORT)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path, \":memory:\" allowed (overrides SETTLEMENT_DB)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	generic.SetLocation(loc)

	store, err := sqlite.New(cfg.DBPath, generic.SystemClock{})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, api.HandlerOptions{
		Log:     logger,
		Metrics: metrics.New("settlement"),
		Inspection: inspection.Options{
			Reconcile:          cfg.Reconcile,
			Poll:               cfg.Poll,
			ReadingConcurrency: cfg.ReadingConcurrency,
			Contract:           cfg.ContractOptions(),
		},
	})

	scheduler := api.NewMoveOutScheduler(handler)
	scheduler.CheckInterval = cfg.ExpiryScanInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"port":     cfg.Port,
			"db":       cfg.DBPath,
			"timezone": cfg.Timezone,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
