package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations remembers logged-out token IDs until they expire.
type Revocations interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenStore is the Postgres side of revocation.
type TokenStore interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// StoreRevocations keeps revocations in the database.
type StoreRevocations struct {
	Store TokenStore
}

func (s StoreRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.Store.RevokeToken(ctx, jti, expiresAt)
}

func (s StoreRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return s.Store.IsTokenRevoked(ctx, jti)
}

const revokedKeyPrefix = "mdraft:revoked:"

// RedisRevocations keeps revocations as keys that expire with the token.
type RedisRevocations struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client, now: time.Now}
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("RedisRevocations.Revoke: %w", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("RedisRevocations.IsRevoked: %w", err)
	}
	return n > 0, nil
}
