// Package search indexes converted Markdown and answers owner-scoped
// queries, preferring Meilisearch and falling back to Postgres full-text
// search.
package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/domain"
)

// Indexer keeps the search index in step with conversions.
type Indexer interface {
	Index(ctx context.Context, c domain.Conversion) error
	Delete(ctx context.Context, id string) error
}

// Searcher finds an owner's conversions by text.
type Searcher interface {
	Search(ctx context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error)
}

// Backend is a primary search engine with a health signal.
type Backend interface {
	Indexer
	Searcher
	Healthy() bool
}

// FallbackFunc is the database search used when the backend is unavailable.
type FallbackFunc func(ctx context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error)

// Service fronts the backend and the database fallback. Deletes the backend
// rejects are kept pending, hidden from results and retried once it is healthy.
type Service struct {
	backend  Backend
	fallback FallbackFunc
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewService builds a search service. backend may be nil.
func NewService(backend Backend, fallback FallbackFunc, log zerolog.Logger) *Service {
	return &Service{backend: backend, fallback: fallback, log: log, pending: map[string]struct{}{}}
}

func (s *Service) Search(ctx context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.backend != nil && s.backend.Healthy() {
		s.flushPending(ctx)
		hits, err := s.backend.Search(ctx, ownerKey, query, limit)
		if err == nil {
			return s.withoutPending(hits), nil
		}
		s.log.Warn().Err(err).Msg("Search backend failed, falling back to Postgres")
	}
	if s.fallback == nil {
		return []domain.SearchHit{}, nil
	}
	hits, err := s.fallback(ctx, ownerKey, query, limit)
	if err != nil {
		return nil, err
	}
	return nonNil(hits), nil
}

// Index is best effort: failures are logged, never returned.
func (s *Service) Index(ctx context.Context, c domain.Conversion) error {
	if s.backend == nil || !s.backend.Healthy() {
		return nil
	}
	s.flushPending(ctx)
	if err := s.backend.Index(ctx, c); err != nil {
		s.log.Warn().Err(err).Str("conversion_id", c.ID).Msg("Indexing conversion failed")
	}
	return nil
}

// Delete removes a conversion from the index even while the backend reports
// unhealthy. On failure the id stays pending and the error is returned.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		s.mu.Lock()
		s.pending[id] = struct{}{}
		s.mu.Unlock()
		return fmt.Errorf("search.Delete %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return nil
}

// Pending reports how many deletes are waiting for the backend.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) flushPending(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.backend.Delete(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("conversion_id", id).Msg("Retrying index delete failed")
			return
		}
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

func (s *Service) withoutPending(hits []domain.SearchHit) []domain.SearchHit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SearchHit, 0, len(hits))
	for _, h := range hits {
		if _, gone := s.pending[h.ConversionID]; !gone {
			out = append(out, h)
		}
	}
	return out
}

// Noop satisfies Indexer when search is not configured.
type Noop struct{}

func (Noop) Index(context.Context, domain.Conversion) error { return nil }
func (Noop) Delete(context.Context, string) error           { return nil }

func nonNil(h []domain.SearchHit) []domain.SearchHit {
	if h == nil {
		return []domain.SearchHit{}
	}
	return h
}
