// Package main runs the asyncq HTTP server: an in-process task queue with a
// fixed worker pool behind a small REST API.
//
// API Endpoints:
//
//	POST /api/v1/sync        - process a payload inline
//	POST /api/v1/async       - submit a payload, returns {"task_id": ...}
//	GET  /api/v1/task/{id}   - poll a task
//	GET  /api/v1/queue/stats - queue and worker statistics
//	GET  /api/v1/service     - heartbeat registration (when enabled)
//	GET  /healthz
//	GET  /metrics
//
// Request Format (sync and async):
//
//	{
//	  "data": {"text": "hello"},
//	  "callback_url": "https://example.com/hook"
//	}
//
// Usage:
//
//	go run ./cmd/server
//
// Configuration is read from the environment (HTTP_ADDR, ENGINE_WORKERS,
// TASK_QUEUE_SIZE, MQ_TYPE, STORAGE_TYPE, ...) and optionally from the file
// named by ASYNCQ_CONFIG. SIGINT or SIGTERM drains accepted tasks before exit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guido-cesarano/asyncq/pkg/config"
	"github.com/guido-cesarano/asyncq/pkg/logger"
)

// shutdownTimeout bounds the drain on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.App.Env, cfg.Log.Level)
	log := logger.GetLogger()

	a, err := newApp(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	log.Info().
		Int("workers", cfg.Engine.Workers).
		Int("queue_size", cfg.Engine.QueueSize).
		Str("retention", cfg.Registry.Retention).
		Str("mq", cfg.MQ.Type).
		Str("storage", cfg.Storage.Type).
		Msg("Task manager started")

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.serve() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, draining tasks")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		cancel()
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
