package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/metrics"
	"github.com/dvloznov/mdraft/internal/usage"
)

// Analyzer is satisfied by *ai.Service.
type Analyzer interface {
	Run(ctx context.Context, tool, markdown string) (ai.Result, error)
	Catalog() *ai.Catalog
}

// GenerateHandler runs the analysis tools over converted Markdown.
type GenerateHandler struct {
	store   ConversionStore
	ai      Analyzer
	owners  Owners
	usage   *usage.Recorder
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewGenerateHandler(st ConversionStore, analyzer Analyzer, owners Owners, recorder *usage.Recorder, m *metrics.Metrics, log zerolog.Logger) *GenerateHandler {
	return &GenerateHandler{store: st, ai: analyzer, owners: owners, usage: recorder, metrics: m, log: log}
}

type generateRequest struct {
	ConversionID string `json:"conversion_id"`
	Markdown     string `json:"markdown"`
}

type generateResponse struct {
	Tool         string          `json:"tool"`
	ConversionID string          `json:"conversion_id,omitempty"`
	Result       json.RawMessage `json:"result"`
	Chunks       int             `json:"chunks"`
	Usage        ai.Usage        `json:"usage"`
}

// Generate handles POST /api/generate/{tool}.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	toolName := mux.Vars(r)["tool"]
	tool, ok := h.ai.Catalog().Lookup(toolName)
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "unknown_tool", "Unknown analysis tool",
			map[string]any{"tools": h.ai.Catalog().Names()})
		return
	}

	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.ConversionID = strings.TrimSpace(req.ConversionID)
	if req.ConversionID == "" && strings.TrimSpace(req.Markdown) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "conversion_id or markdown is required", nil)
		return
	}

	owner, err := h.owners.Resolve(w, r, false)
	if err != nil {
		respondError(w, r, err)
		return
	}

	markdown := req.Markdown
	if req.ConversionID != "" {
		c, err := h.store.GetConversionForOwner(r.Context(), owner.OwnerKey, req.ConversionID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if c.Status != domain.StatusCompleted {
			middleware.WriteError(w, http.StatusConflict, "not_ready", "Conversion has not completed",
				map[string]string{"status": string(c.Status)})
			return
		}
		markdown = c.Markdown
	}

	start := time.Now()
	res, err := h.ai.Run(r.Context(), tool.Name, markdown)
	event := usage.Event{
		OwnerKey:     owner.OwnerKey,
		Kind:         usage.KindAI,
		Tool:         tool.Name,
		ConversionID: req.ConversionID,
		Bytes:        int64(len(markdown)),
		InputTokens:  int64(res.Usage.InputTokens),
		OutputTokens: int64(res.Usage.OutputTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	}
	if owner.User != nil {
		event.UserID = owner.User.ID
	}

	if err != nil {
		category := ai.Categorize(err)
		h.metrics.ObserveAI(tool.Name, string(category))
		event.Status = string(category)
		h.usage.Record(r.Context(), event)
		reqLog := logFor(r, h.log)
		reqLog.Warn().Err(err).Str("tool", tool.Name).Str("category", string(category)).Msg("Analysis failed")
		respondError(w, r, err)
		return
	}

	h.metrics.ObserveAI(tool.Name, "ok")
	h.usage.Record(r.Context(), event)
	middleware.WriteJSON(w, http.StatusOK, generateResponse{
		Tool:         res.Tool,
		ConversionID: req.ConversionID,
		Result:       res.Data,
		Chunks:       res.Chunks,
		Usage:        res.Usage,
	})
}
