package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/mdraft/internal/domain"
)

const apiKeyColumns = `id, user_id, name, prefix, key_hash, last_used_at, revoked_at, created_at`

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var lastUsed, revoked sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash, &lastUsed, &revoked, &k.CreatedAt); err != nil {
		return domain.APIKey{}, err
	}
	k.LastUsedAt = timePtr(lastUsed)
	k.RevokedAt = timePtr(revoked)
	return k, nil
}

func (s *Postgres) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	created, err := scanAPIKey(s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, prefix, key_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+apiKeyColumns,
		k.ID, k.UserID, k.Name, k.Prefix, k.KeyHash))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.APIKey{}, ErrConflict
		}
		return domain.APIKey{}, fmt.Errorf("CreateAPIKey: %w", err)
	}
	return created, nil
}

// GetAPIKeyByHash resolves an active key and records its use.
func (s *Postgres) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW()
		WHERE key_hash = $1 AND revoked_at IS NULL
		RETURNING `+apiKeyColumns, hash))
	if err != nil {
		return domain.APIKey{}, notFound(err)
	}
	return k, nil
}

func (s *Postgres) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListAPIKeys: %w", err)
	}
	defer rows.Close()

	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAPIKeys: scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Postgres) RevokeAPIKey(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	return expectOne(res)
}
