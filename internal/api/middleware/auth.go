package middleware

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/auth"
)

// Authenticate resolves the caller and stores the principal in the context.
// Requests without credentials pass through anonymously; requests with bad
// credentials are refused.
func Authenticate(authn *auth.Authenticator, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authn.Resolve(r)
			switch {
			case errors.Is(err, auth.ErrInactive):
				WriteError(w, http.StatusForbidden, "account_inactive", "Account is disabled", nil)
				return
			case auth.IsAuthError(err):
				WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired credentials", nil)
				return
			case err != nil:
				log.Error().Err(err).Msg("Resolving credentials failed")
				WriteError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
				return
			}
			if p != nil {
				r = r.WithContext(auth.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth refuses anonymous callers.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()) == nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireJWT refuses callers that did not sign in with a session token.
// API keys cannot manage API keys.
func RequireJWT(next http.Handler) http.Handler {
	return RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()).Via != auth.ViaJWT {
			WriteError(w, http.StatusForbidden, "session_required", "This endpoint requires a session token", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func RequireAdmin(next http.Handler) http.Handler {
	return RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.FromContext(r.Context()).User.IsAdmin() {
			WriteError(w, http.StatusForbidden, "forbidden", "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
