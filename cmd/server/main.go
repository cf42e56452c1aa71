// Package main is the entry point for marketd, the A-share market data
// daemon. It ingests daily bars and realtime quotes from public Chinese
// market data vendors, persists them to a local SQLite store with
// finality tracking, and serves them over an HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/di"
	"github.com/cnquant/marketd/internal/server"
	"github.com/cnquant/marketd/pkg/logger"
)

// main orchestrates the startup sequence:
//  1. Load configuration from environment variables
//  2. Build the root logger (console plus the data-dir log file)
//  3. Wire databases, providers, services, and the work engine
//  4. Start the HTTP server, work processor, and cron scheduler
//  5. Wait for a shutdown signal, then stop in reverse order
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
		Dir:    cfg.DataDir,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Bool("enabled", cfg.Enabled).
		Msg("Starting marketd")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:            log,
		Port:           cfg.Port,
		DataDir:        cfg.DataDir,
		Store:          container.Store,
		MetaDB:         container.MetaDB,
		Settings:       container.SettingsService,
		Registry:       container.Registry,
		DailyRouter:    container.HistoryRouter,
		RealtimeRouter: container.RealtimeRouter,
		Quotes:         container.SyncService,
		Triggers:       container.Work.Triggers,
		Processor:      container.Work.Processor,
		Runs:           container.RunsRepo,
		Bus:            container.Bus,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	// The processor owns all heavy work; cron entries and API triggers only
	// queue items for it.
	go container.Work.Processor.Run()
	log.Info().Msg("Work processor started")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop producers before the processor so nothing new is queued while it
	// drains, then close the listener.
	container.Scheduler.Stop()
	container.Work.Processor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}
