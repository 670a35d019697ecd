package handlers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/storage"
	"github.com/dvloznov/mdraft/internal/store"
)

// Searcher is satisfied by *search.Service.
type Searcher interface {
	Search(ctx context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error)
	Delete(ctx context.Context, id string) error
}

// ConversionsHandler serves an owner's conversions.
type ConversionsHandler struct {
	store         ConversionStore
	objects       ObjectStore
	search        Searcher
	publisher     jobs.Publisher
	owners        Owners
	jobMaxRetries int
	log           zerolog.Logger
}

func NewConversionsHandler(st ConversionStore, objects ObjectStore, search Searcher, publisher jobs.Publisher, owners Owners, jobMaxRetries int, log zerolog.Logger) *ConversionsHandler {
	if jobMaxRetries <= 0 {
		jobMaxRetries = jobs.DefaultMaxRetries
	}
	return &ConversionsHandler{
		store:         st,
		objects:       objects,
		search:        search,
		publisher:     publisher,
		owners:        owners,
		jobMaxRetries: jobMaxRetries,
		log:           log,
	}
}

// ListConversions handles GET /api/conversions.
func (h *ConversionsHandler) ListConversions(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owners.Resolve(w, r, false)
	if err != nil {
		respondError(w, r, err)
		return
	}
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

	cs, err := h.store.ListConversions(r.Context(), store.ConversionFilter{
		OwnerKey: owner.OwnerKey,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"conversions": newConversionViews(cs),
		"limit":       limit,
		"offset":      offset,
	})
}

// SearchConversions handles GET /api/conversions/search?q=.
func (h *ConversionsHandler) SearchConversions(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owners.Resolve(w, r, false)
	if err != nil {
		respondError(w, r, err)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "q is required", nil)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	hits, err := h.search.Search(r.Context(), owner.OwnerKey, q, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"query": q, "results": hits})
}

func (h *ConversionsHandler) load(w http.ResponseWriter, r *http.Request) (domain.Conversion, caller, bool) {
	owner, err := h.owners.Resolve(w, r, false)
	if err != nil {
		respondError(w, r, err)
		return domain.Conversion{}, caller{}, false
	}
	c, err := h.store.GetConversionForOwner(r.Context(), owner.OwnerKey, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return domain.Conversion{}, caller{}, false
	}
	return c, owner, true
}

// GetConversion handles GET /api/conversions/{id}.
func (h *ConversionsHandler) GetConversion(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.load(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newConversionView(c))
}

// GetMarkdown handles GET /api/conversions/{id}/markdown.
func (h *ConversionsHandler) GetMarkdown(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.load(w, r)
	if !ok {
		return
	}
	if c.Status != domain.StatusCompleted {
		middleware.WriteError(w, http.StatusConflict, "not_ready", "Conversion has not completed",
			map[string]string{"status": string(c.Status)})
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": markdownName(c.Filename)}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(c.Markdown))
}

// RetryConversion handles POST /api/conversions/{id}/retry.
func (h *ConversionsHandler) RetryConversion(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.load(w, r)
	if !ok {
		return
	}
	cleared := ""
	requeued, err := h.store.TransitionConversion(r.Context(), c.ID,
		[]domain.ConversionStatus{domain.StatusFailed}, domain.StatusQueued, store.ConversionPatch{Error: &cleared})
	if err != nil {
		respondError(w, r, err)
		return
	}
	jobID, err := publishConversion(r.Context(), h.publisher, requeued, h.jobMaxRetries)
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().Str("conversion_id", c.ID).Str("job_id", jobID).Msg("Conversion requeued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{
		"conversion": newConversionView(requeued),
		"job_id":     jobID,
	})
}

// DeleteConversion handles DELETE /api/conversions/{id}. The stored object
// and search entry are removed best effort after the row.
func (h *ConversionsHandler) DeleteConversion(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owners.Resolve(w, r, false)
	if err != nil {
		respondError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	key, err := h.store.DeleteConversion(r.Context(), owner.OwnerKey, id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	log := logFor(r, h.log)
	if key != "" {
		if err := h.objects.Delete(r.Context(), key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("conversion_id", id).Msg("Deleting stored upload failed")
		}
	}
	if err := h.search.Delete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("conversion_id", id).Msg("Removing conversion from search index failed")
	}

	log.Info().Str("conversion_id", id).Msg("Conversion deleted")
	w.WriteHeader(http.StatusNoContent)
}

// markdownName swaps the upload's extension for .md.
func markdownName(filename string) string {
	base := storage.SanitizeFilename(filename)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base + ".md"
}
