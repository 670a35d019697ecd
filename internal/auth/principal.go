package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/mdraft/internal/domain"
)

// Credential kinds.
const (
	ViaJWT    = "jwt"
	ViaAPIKey = "api_key"
)

// Principal is the authenticated caller.
type Principal struct {
	User     domain.User
	Via      string
	APIKeyID string
	// TokenID and TokenExpires are set for JWT callers.
	TokenID      string
	TokenExpires time.Time
}

func (p *Principal) OwnerKey() string { return domain.UserOwner(p.User.ID) }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the caller or nil for anonymous requests.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Users is what the authenticator needs from the store.
type Users interface {
	GetUserByID(ctx context.Context, id string) (domain.User, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
}

// Authenticator resolves request credentials to a Principal.
type Authenticator struct {
	tokens *TokenIssuer
	users  Users
	// notFound reports store misses, which become ErrInvalidToken.
	notFound func(error) bool
}

func NewAuthenticator(tokens *TokenIssuer, users Users, notFound func(error) bool) *Authenticator {
	return &Authenticator{tokens: tokens, users: users, notFound: notFound}
}

func (a *Authenticator) Tokens() *TokenIssuer { return a.tokens }

// Resolve checks, in order, a Bearer JWT, the X-API-Key header and a Bearer
// API key. It returns nil without error when no credential is present.
func (a *Authenticator) Resolve(r *http.Request) (*Principal, error) {
	ctx := r.Context()
	bearer := bearerToken(r)

	switch {
	case bearer != "" && !strings.HasPrefix(bearer, APIKeyPrefix):
		return a.fromJWT(ctx, bearer)
	case r.Header.Get("X-API-Key") != "":
		return a.fromAPIKey(ctx, strings.TrimSpace(r.Header.Get("X-API-Key")))
	case bearer != "":
		return a.fromAPIKey(ctx, bearer)
	}
	return nil, nil
}

func (a *Authenticator) fromJWT(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.tokens.Parse(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := a.activeUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return &Principal{User: user, Via: ViaJWT, TokenID: claims.ID, TokenExpires: claims.ExpiresAt.Time}, nil
}

func (a *Authenticator) fromAPIKey(ctx context.Context, key string) (*Principal, error) {
	if !LooksLikeAPIKey(key) {
		return nil, fmt.Errorf("%w: malformed API key", ErrInvalidToken)
	}
	k, err := a.users.GetAPIKeyByHash(ctx, HashAPIKey(key))
	if err != nil {
		if a.isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown API key", ErrInvalidToken)
		}
		return nil, fmt.Errorf("fromAPIKey: %w", err)
	}
	user, err := a.activeUser(ctx, k.UserID)
	if err != nil {
		return nil, err
	}
	return &Principal{User: user, Via: ViaAPIKey, APIKeyID: k.ID}, nil
}

func (a *Authenticator) activeUser(ctx context.Context, id string) (domain.User, error) {
	user, err := a.users.GetUserByID(ctx, id)
	if err != nil {
		if a.isNotFound(err) {
			return domain.User{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		return domain.User{}, fmt.Errorf("activeUser: %w", err)
	}
	if !user.IsActive {
		return domain.User{}, ErrInactive
	}
	return user, nil
}

func (a *Authenticator) isNotFound(err error) bool {
	if a.notFound != nil {
		return a.notFound(err)
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// IsAuthError reports errors that mean "bad credentials" rather than an
// internal failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrInactive) || errors.Is(err, ErrInvalidCredentials)
}
