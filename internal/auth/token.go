package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dvloznov/mdraft/internal/domain"
)

// Claims are the JWT session claims.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	revoked Revocations
	now     func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration, revoked Revocations) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, revoked: revoked, now: time.Now}
}

// Issue signs a new token for u.
func (t *TokenIssuer) Issue(u domain.User) (string, *Claims, error) {
	now := t.now()
	claims := &Claims{
		Email: u.Email,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("Issue: sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies signature, algorithm and expiry and rejects revoked tokens.
func (t *TokenIssuer) Parse(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrInvalidToken)
	}

	if t.revoked != nil {
		revoked, err := t.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("Parse: check revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
	}
	return claims, nil
}

// Revoke blocks the token with ID jti until it would have expired.
func (t *TokenIssuer) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if t.revoked == nil {
		return errors.New("Revoke: no revocation store configured")
	}
	if err := t.revoked.Revoke(ctx, jti, expiresAt); err != nil {
		return fmt.Errorf("Revoke: %w", err)
	}
	return nil
}
