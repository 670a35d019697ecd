package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/store"
	"github.com/dvloznov/mdraft/internal/usage"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 365
)

// AdminStore is the store surface of the admin API.
type AdminStore interface {
	ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error)
	UpdateUserAdmin(ctx context.Context, id string, role *string, active *bool) (domain.User, error)
	ListConversions(ctx context.Context, f store.ConversionFilter) ([]domain.Conversion, error)
	Stats(ctx context.Context) (store.Stats, error)
	DailyConversionCounts(ctx context.Context, days int) ([]store.DailyCount, error)
}

// BreakerSource is satisfied by *reliability.Registry.
type BreakerSource interface {
	States() []reliability.BreakerState
}

// AdminHandler serves the admin API.
type AdminHandler struct {
	store    AdminStore
	reporter usage.Reporter
	breakers BreakerSource
	log      zerolog.Logger
}

// NewAdminHandler builds the admin handler. reporter may be nil, in which
// case usage comes from Postgres conversion counts.
func NewAdminHandler(st AdminStore, reporter usage.Reporter, breakers BreakerSource, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{store: st, reporter: reporter, breakers: breakers, log: log}
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}

// ListUsers handles GET /api/admin/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	users, err := h.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, newUserView(u))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"users": views, "limit": limit, "offset": offset})
}

type updateUserRequest struct {
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

// UpdateUser handles PATCH /api/admin/users/{id}.
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Role == nil && req.IsActive == nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "role or is_active is required", nil)
		return
	}
	if req.Role != nil && !domain.ValidRole(*req.Role) {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "role must be user or admin", nil)
		return
	}

	id := mux.Vars(r)["id"]
	p := auth.FromContext(r.Context())
	if id == p.User.ID && ((req.Role != nil && *req.Role != domain.RoleAdmin) || (req.IsActive != nil && !*req.IsActive)) {
		middleware.WriteError(w, http.StatusBadRequest, "cannot_modify_self", "Admins cannot demote or disable themselves", nil)
		return
	}

	u, err := h.store.UpdateUserAdmin(r.Context(), id, req.Role, req.IsActive)
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().
		Str("admin_id", p.User.ID).
		Str("user_id", u.ID).
		Str("role", u.Role).
		Bool("is_active", u.IsActive).
		Msg("User updated by admin")
	middleware.WriteJSON(w, http.StatusOK, newUserView(u))
}

// ListConversions handles GET /api/admin/conversions across all owners.
func (h *AdminHandler) ListConversions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status, err := statusFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	cs, err := h.store.ListConversions(r.Context(), store.ConversionFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		respondError(w, r, err)
		return
	}

	type adminConversion struct {
		conversionView
		OwnerKey string `json:"owner_key"`
	}
	out := make([]adminConversion, 0, len(cs))
	for _, c := range cs {
		out = append(out, adminConversion{conversionView: newConversionView(c), OwnerKey: c.OwnerKey})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"conversions": out, "limit": limit, "offset": offset})
}

// Usage handles GET /api/admin/usage?days=.
func (h *AdminHandler) Usage(w http.ResponseWriter, r *http.Request) {
	days := defaultUsageDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxUsageDays {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "days must be between 1 and 365", nil)
			return
		}
		days = n
	}

	if h.reporter != nil {
		daily, err := h.reporter.Daily(r.Context(), days)
		if err == nil {
			middleware.WriteJSON(w, http.StatusOK, map[string]any{"source": "bigquery", "days": days, "usage": daily})
			return
		}
		reqLog := logFor(r, h.log)
		reqLog.Warn().Err(err).Msg("Usage report failed, falling back to Postgres")
	}

	counts, err := h.store.DailyConversionCounts(r.Context(), days)
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"source": "postgres", "days": days, "usage": counts})
}

// Breakers handles GET /api/admin/breakers.
func (h *AdminHandler) Breakers(w http.ResponseWriter, _ *http.Request) {
	states := []reliability.BreakerState{}
	if h.breakers != nil {
		states = h.breakers.States()
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"breakers": states})
}
