package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/jobs"
)

// TasksTokenHeader carries the shared secret of push deliveries.
const TasksTokenHeader = "X-Tasks-Token"

// JobRunner is satisfied by *pipeline.Processor.
type JobRunner interface {
	HandleJob(ctx context.Context, job jobs.Job) error
}

// TasksHandler receives pushed conversion jobs, for example from Cloud Tasks.
// A 5xx answer asks the sender to redeliver.
type TasksHandler struct {
	runner JobRunner
	token  string
	log    zerolog.Logger
}

// NewTasksHandler builds the push endpoint. An empty token disables it.
func NewTasksHandler(runner JobRunner, token string, log zerolog.Logger) *TasksHandler {
	return &TasksHandler{runner: runner, token: token, log: log}
}

// Convert handles POST /internal/tasks/convert.
func (h *TasksHandler) Convert(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(TasksTokenHeader)), []byte(h.token)) != 1 {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid tasks token", nil)
		return
	}

	var job jobs.ConvertDocumentJob
	if err := decodeJSON(w, r, &job); err != nil {
		respondError(w, r, err)
		return
	}
	if job.ConversionID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "conversion_id is required", nil)
		return
	}

	log := logFor(r, h.log).With().Str("conversion_id", job.ConversionID).Str("job_id", job.JobID).Logger()
	err := h.runner.HandleJob(r.Context(), &job)
	switch {
	case err == nil:
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "done"})
	case errors.Is(err, jobs.ErrNoRetry):
		log.Warn().Err(err).Msg("Pushed conversion failed permanently")
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "failed"})
	default:
		log.Error().Err(err).Msg("Pushed conversion failed, requesting redelivery")
		middleware.WriteError(w, http.StatusInternalServerError, "retry", "Conversion failed, retry later", nil)
	}
}
