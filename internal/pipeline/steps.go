package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/store"
	"github.com/dvloznov/mdraft/internal/usage"
)

// PipelineStep represents a single step in the conversion pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Conversion domain.Conversion
	Data       []byte
	Output     conversion.Output
	Started    time.Time
	Converted  time.Duration
}

// FetchStep loads the upload bytes from object storage.
type FetchStep struct {
	Storage ObjectFetcher
}

func (s *FetchStep) Execute(ctx context.Context, state *PipelineState) error {
	data, err := s.Storage.Get(ctx, state.Conversion.StorageKey)
	if err != nil {
		return fmt.Errorf("FetchStep: %s: %w", state.Conversion.StorageKey, err)
	}
	state.Data = data
	return nil
}

// ConvertStep runs the conversion engines.
type ConvertStep struct {
	Converter Converter
}

func (s *ConvertStep) Execute(ctx context.Context, state *PipelineState) error {
	start := time.Now()
	out, err := s.Converter.Convert(ctx, conversion.Input{
		Filename: state.Conversion.Filename,
		MIME:     state.Conversion.ContentType,
		Data:     state.Data,
	})
	state.Converted = time.Since(start)
	if err != nil {
		return fmt.Errorf("ConvertStep: %w", err)
	}
	state.Output = out
	return nil
}

// PersistStep stores the Markdown and completes the conversion.
type PersistStep struct {
	Store ConversionStore
}

func (s *PersistStep) Execute(ctx context.Context, state *PipelineState) error {
	md, engine := state.Output.Markdown, state.Output.Engine
	empty := ""
	c, err := s.Store.TransitionConversion(ctx, state.Conversion.ID,
		[]domain.ConversionStatus{domain.StatusProcessing}, domain.StatusCompleted,
		store.ConversionPatch{Markdown: &md, Engine: &engine, Error: &empty})
	if err != nil {
		return fmt.Errorf("PersistStep: %w", err)
	}
	state.Conversion = c
	return nil
}

// IndexStep adds the finished conversion to search. Best effort.
type IndexStep struct {
	Indexer Indexer
	Log     zerolog.Logger
}

func (s *IndexStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Indexer == nil {
		return nil
	}
	if err := s.Indexer.Index(ctx, state.Conversion); err != nil {
		s.Log.Warn().Err(err).Str("conversion_id", state.Conversion.ID).Msg("Search indexing failed")
	}
	return nil
}

// UsageStep records a conversion usage event. Best effort.
type UsageStep struct {
	Recorder *usage.Recorder
}

func (s *UsageStep) Execute(ctx context.Context, state *PipelineState) error {
	c := state.Conversion
	userID := ""
	if c.UserID != nil {
		userID = *c.UserID
	}
	s.Recorder.Record(ctx, usage.Event{
		UserID:       userID,
		OwnerKey:     c.OwnerKey,
		Kind:         usage.KindConversion,
		Engine:       state.Output.Engine,
		ConversionID: c.ID,
		Bytes:        c.SizeBytes,
		DurationMs:   state.Converted.Milliseconds(),
		Status:       "completed",
	})
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
