package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/domain"
)

const maxKeyNameLen = 100

// KeysHandler manages the caller's API keys.
type KeysHandler struct {
	keys KeyStore
	log  zerolog.Logger
}

func NewKeysHandler(keys KeyStore, log zerolog.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, log: log}
}

type apiKeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	// Key is the plaintext, returned once at creation.
	Key string `json:"key,omitempty"`
}

func newAPIKeyView(k domain.APIKey) apiKeyView {
	return apiKeyView{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		Active:     k.Active(),
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
	}
}

// ListKeys handles GET /api/keys.
func (h *KeysHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	keys, err := h.keys.ListAPIKeys(r.Context(), p.User.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, newAPIKeyView(k))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"keys": views})
}

// CreateKey handles POST /api/keys. The plaintext key is only returned here.
func (h *KeysHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxKeyNameLen {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "name is required and must be at most 100 characters", nil)
		return
	}

	plaintext, prefix, hash, err := auth.NewAPIKey()
	if err != nil {
		respondError(w, r, err)
		return
	}
	p := auth.FromContext(r.Context())
	k, err := h.keys.CreateAPIKey(r.Context(), domain.APIKey{
		ID:      uuid.NewString(),
		UserID:  p.User.ID,
		Name:    name,
		Prefix:  prefix,
		KeyHash: hash,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().Str("user_id", p.User.ID).Str("key_id", k.ID).Msg("API key created")
	view := newAPIKeyView(k)
	view.Key = plaintext
	middleware.WriteJSON(w, http.StatusCreated, view)
}

// RevokeKey handles DELETE /api/keys/{id}.
func (h *KeysHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]
	if err := h.keys.RevokeAPIKey(r.Context(), p.User.ID, id); err != nil {
		respondError(w, r, err)
		return
	}
	reqLog := logFor(r, h.log)
	reqLog.Info().Str("user_id", p.User.ID).Str("key_id", id).Msg("API key revoked")
	w.WriteHeader(http.StatusNoContent)
}
