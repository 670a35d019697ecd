package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/dvloznov/mdraft/internal/app"
	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("service", "worker").Logger()

	if cfg.QueueBackend != config.QueueRedis {
		log.Fatal().Str("queue", cfg.QueueBackend).Msg("Worker requires QUEUE_BACKEND=redis; the API runs memory-queue jobs itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("Starting worker service")

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	if err := a.Queue.Start(workerCtx, a.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	maint := a.Maintenance()
	if err := maint.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
	}

	// Probes and metrics for the worker process.
	router := mux.NewRouter()
	router.Handle("/metrics", a.Metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	probe := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Probe server stopped")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Worker service started, waiting for jobs...")

	<-ctx.Done()
	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := maint.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping maintenance scheduler")
	}

	cancelWorker()
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	if err := probe.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Probe server forced to shutdown")
	}

	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close resources")
	}

	log.Info().Msg("Worker service exited")
}
