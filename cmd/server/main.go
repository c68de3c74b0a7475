// Package main is the entry point for the broker gateway. The gateway
// connects a user's accounts across Indian brokers, serves a consolidated
// portfolio view and routes orders to the cheapest healthy broker.
//
// Startup sequence:
// 1. Load configuration from environment variables
// 2. Initialize structured logging
// 3. Wire dependencies (databases, stores, services, jobs)
// 4. Start the market status stream and the job scheduler
// 5. Start the HTTP server
// 6. Wait for shutdown signal and stop everything in reverse order
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/config"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/di"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/scheduler"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/server"
	"github.com/buntythecoder/trademaster-broker-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger so the configuration error is still logged.
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting broker gateway")

	sched := scheduler.New(log)

	container, jobs, err := di.Wire(cfg, sched, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// The market status stream is optional; without it the oracle falls
	// back to exchange session clocks.
	if container.Stream != nil {
		if err := container.Stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Market status stream unavailable, continuing without it")
		}
	}

	// Probe restored connections and warm the FX cache before traffic
	// arrives; both jobs repeat on their schedules afterwards.
	if err := sched.RunNow(jobs.Probe); err != nil {
		log.Warn().Err(err).Msg("Initial connection probe failed")
	}
	if err := sched.RunNow(jobs.FXRefresh); err != nil {
		log.Warn().Err(err).Msg("Initial FX refresh failed")
	}

	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		DataDir:     cfg.DataDir,
		Manager:     container.Manager,
		Coordinator: container.Coordinator,
		Portfolio:   container.Portfolio,
		Orders:      container.Orders,
		FX:          container.FX,
		Metrics:     container.Metrics,
		Databases:   container.Databases(),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop taking new requests first, then the scheduler; container.Close
	// stops the stream and closes the databases last.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()

	log.Info().Msg("Server stopped")
}
