package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/logger"
	"github.com/dvloznov/mdraft/internal/metrics"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/storage"
	"github.com/dvloznov/mdraft/internal/store"
	"github.com/dvloznov/mdraft/internal/usage"
)

// DefaultMaxAttempts matches one first run plus jobs.DefaultMaxRetries.
const DefaultMaxAttempts = jobs.DefaultMaxRetries + 1

// Deps wires a Processor.
type Deps struct {
	Store     ConversionStore
	Storage   ObjectFetcher
	Converter Converter
	Indexer   Indexer
	Usage     *usage.Recorder
	Metrics   *metrics.Metrics

	// MaxAttempts caps PROCESSING entries before a failure is final.
	MaxAttempts int
}

// Processor drives one conversion through the worker pipeline.
type Processor struct {
	store       ConversionStore
	pipeline    *Pipeline
	metrics     *metrics.Metrics
	maxAttempts int
	log         zerolog.Logger
}

func NewProcessor(d Deps, log zerolog.Logger) *Processor {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	return &Processor{
		store: d.Store,
		pipeline: NewPipeline(
			&FetchStep{Storage: d.Storage},
			&ConvertStep{Converter: d.Converter},
			&PersistStep{Store: d.Store},
			&IndexStep{Indexer: d.Indexer, Log: log},
			&UsageStep{Recorder: d.Usage},
		),
		metrics:     d.Metrics,
		maxAttempts: d.MaxAttempts,
		log:         log,
	}
}

// HandleJob adapts Process to a queue handler.
func (p *Processor) HandleJob(ctx context.Context, job jobs.Job) error {
	j, ok := job.(*jobs.ConvertDocumentJob)
	if !ok {
		return fmt.Errorf("HandleJob: unexpected job type %s: %w", job.GetType(), jobs.ErrNoRetry)
	}
	ctx = logger.WithContext(ctx, logger.ForJob(p.log, j.JobID, j.ConversionID))
	return p.Process(ctx, j.ConversionID)
}

// Process converts one conversion. It is safe to call concurrently and
// repeatedly for the same ID: an advisory lock serializes workers and a
// COMPLETED conversion is left alone. Errors wrapped with jobs.ErrNoRetry
// must not be retried.
func (p *Processor) Process(ctx context.Context, conversionID string) error {
	log := p.log.With().Str("conversion_id", conversionID).Logger()
	if l, ok := ctx.Value(logger.LoggerKey).(zerolog.Logger); ok {
		log = l
	}

	unlock, ok, err := p.store.TryAdvisoryLock(ctx, "conversion:"+conversionID)
	if err != nil {
		return fmt.Errorf("Process: lock: %w", err)
	}
	if !ok {
		log.Info().Msg("Conversion is locked by another worker, skipping")
		return nil
	}
	defer unlock()

	c, err := p.store.GetConversion(ctx, conversionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("Process: conversion %s: %w: %w", conversionID, jobs.ErrNoRetry, err)
		}
		return fmt.Errorf("Process: load: %w", err)
	}
	if c.Status == domain.StatusCompleted {
		log.Info().Msg("Conversion already completed")
		return nil
	}

	c, err = p.store.TransitionConversion(ctx, conversionID,
		[]domain.ConversionStatus{domain.StatusQueued, domain.StatusFailed},
		domain.StatusProcessing, store.ConversionPatch{})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Still PROCESSING from a worker that died; the stale sweep requeues it.
			log.Warn().Err(err).Msg("Conversion not claimable")
			return nil
		}
		return fmt.Errorf("Process: claim: %w", err)
	}

	log.Info().Str("filename", c.Filename).Int("attempt", c.Attempts).Msg("Processing conversion")

	state := &PipelineState{Conversion: c, Started: time.Now()}
	err = p.pipeline.Execute(ctx, state)
	if err == nil {
		p.metrics.ObserveConversion(state.Output.Engine, "completed", state.Converted)
		log.Info().
			Str("engine", state.Output.Engine).
			Int("markdown_bytes", len(state.Output.Markdown)).
			Dur("duration", time.Since(state.Started)).
			Msg("Conversion completed")
		return nil
	}

	msg := FailureMessage(err)
	if _, terr := p.store.TransitionConversion(context.WithoutCancel(ctx), conversionID,
		[]domain.ConversionStatus{domain.StatusProcessing}, domain.StatusFailed,
		store.ConversionPatch{Error: &msg}); terr != nil {
		log.Error().Err(terr).Msg("Failed to mark conversion as failed")
	}
	p.metrics.ObserveConversion(state.Output.Engine, "failed", state.Converted)

	final := reliability.IsPermanent(err) || c.Attempts >= p.maxAttempts
	log.Error().Err(err).Bool("final", final).Msg("Conversion failed")
	if final {
		return fmt.Errorf("Process: %w: %w", jobs.ErrNoRetry, err)
	}
	return fmt.Errorf("Process: %w", err)
}

// FailureMessage is the user-facing error stored on a failed conversion.
// Internal details such as paths and hostnames stay in the logs.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, conversion.ErrUnsupported):
		return "unsupported file type"
	case errors.Is(err, conversion.ErrEmptyFile):
		return "file is empty"
	case errors.Is(err, conversion.ErrEmptyOutput):
		return "no text could be extracted from the document"
	case errors.Is(err, storage.ErrNotFound):
		return "uploaded file is missing from storage"
	case errors.Is(err, reliability.ErrCircuitOpen):
		return "conversion service temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "conversion timed out"
	case errors.Is(err, context.Canceled):
		return "conversion was interrupted"
	default:
		return "conversion failed"
	}
}
