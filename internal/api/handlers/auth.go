package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/store"
)

// AuthHandler handles registration and sessions.
type AuthHandler struct {
	users  UserStore
	tokens *auth.TokenIssuer
	log    zerolog.Logger
}

func NewAuthHandler(users UserStore, tokens *auth.TokenIssuer, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, log: log}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User      userView  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request, status int, u domain.User) {
	token, claims, err := h.tokens.Issue(u)
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, status, sessionResponse{
		User:      newUserView(u),
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}

	u, err := h.users.CreateUser(r.Context(), domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Plan:         domain.PlanFree,
		IsActive:     true,
	})
	if errors.Is(err, store.ErrConflict) {
		middleware.WriteError(w, http.StatusConflict, "email_taken", "An account with this email already exists", nil)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().Str("user_id", u.ID).Msg("User registered")
	h.session(w, r, http.StatusCreated, u)
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		respondError(w, r, auth.ErrInvalidCredentials)
		return
	}

	u, err := h.users.GetUserByEmail(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, auth.ErrInvalidCredentials)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		respondError(w, r, err)
		return
	}
	if !u.IsActive {
		respondError(w, r, auth.ErrInactive)
		return
	}

	h.session(w, r, http.StatusOK, u)
}

// Logout handles POST /api/auth/logout. Only session tokens can be revoked;
// API key callers get a no-op.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if p != nil && p.Via == auth.ViaJWT && p.TokenID != "" {
		if err := h.tokens.Revoke(r.Context(), p.TokenID, p.TokenExpires); err != nil {
			respondError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"user": newUserView(p.User),
		"via":  p.Via,
	})
}
