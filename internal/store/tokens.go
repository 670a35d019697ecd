package store

import (
	"context"
	"fmt"
	"time"
)

// RevokeToken records a JWT ID as revoked until it would have expired.
func (s *Postgres) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("RevokeToken: %w", err)
	}
	return nil
}

func (s *Postgres) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("IsTokenRevoked: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredTokens removes revocations for tokens that can no longer validate.
func (s *Postgres) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("PurgeExpiredTokens: %w", err)
	}
	return res.RowsAffected()
}
