package pipeline

import (
	"context"

	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/store"
)

// ConversionStore is the subset of the Postgres store the worker needs.
type ConversionStore interface {
	TryAdvisoryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
	GetConversion(ctx context.Context, id string) (domain.Conversion, error)
	TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error)
}

// ObjectFetcher reads stored uploads.
type ObjectFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Converter turns an upload into Markdown.
type Converter interface {
	Convert(ctx context.Context, in conversion.Input) (conversion.Output, error)
}

// Indexer receives completed conversions for search.
type Indexer interface {
	Index(ctx context.Context, c domain.Conversion) error
}
