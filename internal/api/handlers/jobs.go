package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/jobs"
)

// JobsHandler handles job status endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{store: store, log: log}
}

// GetJob handles GET /api/jobs/{id}. Jobs owned by someone else look missing
// unless the caller is an admin.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	p := auth.FromContext(r.Context())
	if job.OwnerKey != p.OwnerKey() && !p.User.IsAdmin() {
		respondError(w, r, errNotFound)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}
