package handlers

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/billing"
)

const maxWebhookBody = 64 << 10

// BillingHandler exposes Stripe checkout and the webhook.
type BillingHandler struct {
	billing billing.Billing
	log     zerolog.Logger
}

func NewBillingHandler(b billing.Billing, log zerolog.Logger) *BillingHandler {
	return &BillingHandler{billing: b, log: log}
}

// Checkout handles POST /api/billing/checkout.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	url, err := h.billing.CreateCheckout(r.Context(), p.User)
	if err != nil {
		respondError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Status handles GET /api/billing/status.
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"plan":    p.User.Plan,
		"enabled": h.billing.Enabled(),
	})
}

// Webhook handles POST /api/billing/webhook. The raw body is needed for
// signature verification.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "Could not read webhook body", nil)
		return
	}

	ev, err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Bool("handled", ev.Handled).
		Msg("Billing webhook processed")
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "handled": ev.Handled})
}
