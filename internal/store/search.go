package store

import (
	"context"
	"fmt"

	"github.com/dvloznov/mdraft/internal/domain"
)

// SearchConversions runs Postgres full-text search over an owner's completed
// conversions.
func (s *Postgres) SearchConversions(ctx context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename,
			ts_headline('english', COALESCE(markdown, ''), plainto_tsquery('english', $2),
				'MaxFragments=2, MaxWords=20, MinWords=5'),
			ts_rank(search_vector, plainto_tsquery('english', $2)) AS rank
		FROM conversions
		WHERE owner_key = $1
		  AND status = 'COMPLETED'
		  AND search_vector @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3`, ownerKey, query, limit)
	if err != nil {
		return nil, fmt.Errorf("SearchConversions: %w", err)
	}
	defer rows.Close()

	hits := []domain.SearchHit{}
	for rows.Next() {
		var h domain.SearchHit
		if err := rows.Scan(&h.ConversionID, &h.Filename, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("SearchConversions: scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
