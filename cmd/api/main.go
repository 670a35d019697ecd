package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/mdraft/internal/app"
	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	// The in-memory queue only reaches workers in this process, so the API
	// runs them itself. With Redis the worker binary consumes the queue.
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if cfg.QueueBackend == config.QueueMemory {
		log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("Starting in-process job worker")
		if err := a.Queue.Start(workerCtx, a.JobHandler()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job worker")
		}
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancelWorker()
	if cfg.QueueBackend == config.QueueMemory {
		if err := a.Queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job queue")
		}
	}

	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close resources")
	}

	log.Info().Msg("Server exited")
}
