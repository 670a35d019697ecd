package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/mdraft/internal/api/middleware"
)

const readyTimeout = 5 * time.Second

// Check is one readiness probe. Optional checks are reported but never fail
// readiness.
type Check struct {
	Name     string
	Optional bool
	Ping     func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checks []Check
	log    zerolog.Logger
}

func NewHealthHandler(checks []Check, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, log: log}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. Checks run concurrently.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]string, len(h.checks))
	ready := true

	// Each goroutine reports through results, so the group never sees an error.
	var g errgroup.Group
	for _, c := range h.checks {
		g.Go(func() error {
			status := "ok"
			if err := c.Ping(ctx); err != nil {
				status = "error: " + err.Error()
				h.log.Warn().Err(err).Str("check", c.Name).Msg("Readiness check failed")
			}
			mu.Lock()
			defer mu.Unlock()
			results[c.Name] = status
			if status != "ok" && !c.Optional {
				ready = false
			}
			return nil
		})
	}
	_ = g.Wait()

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": results,
	})
}
