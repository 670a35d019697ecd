package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/dvloznov/mdraft/internal/domain"
)

type StripeOptions struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	// PublicBaseURL is where checkout returns to.
	PublicBaseURL string
}

// Stripe implements Billing with Checkout subscriptions.
type Stripe struct {
	api   *client.API
	opts  StripeOptions
	plans Plans
	log   zerolog.Logger
}

func NewStripe(opts StripeOptions, plans Plans, log zerolog.Logger) *Stripe {
	api := &client.API{}
	api.Init(opts.SecretKey, nil)
	return &Stripe{api: api, opts: opts, plans: plans, log: log}
}

func (s *Stripe) Enabled() bool { return true }

func (s *Stripe) CreateCheckout(ctx context.Context, user domain.User) (string, error) {
	if s.opts.PriceID == "" {
		return "", fmt.Errorf("CreateCheckout: %w: STRIPE_PRICE_ID not set", ErrNotConfigured)
	}
	base := strings.TrimRight(s.opts.PublicBaseURL, "/")
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.opts.PriceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(user.ID),
		SuccessURL:        stripe.String(base + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(base + "/billing/cancel"),
	}
	if user.StripeCustomerID != "" {
		params.Customer = stripe.String(user.StripeCustomerID)
	} else {
		params.CustomerEmail = stripe.String(user.Email)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("CreateCheckout: create session: %w", err)
	}
	return sess.URL, nil
}

func (s *Stripe) HandleWebhook(ctx context.Context, payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.opts.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	out, err := parseEvent(ev)
	if err != nil {
		return Event{ID: ev.ID, Type: string(ev.Type)}, err
	}
	if out.Plan == "" {
		s.log.Debug().Str("event_id", ev.ID).Str("type", string(ev.Type)).Msg("Ignoring Stripe event")
		return out, nil
	}
	if err := applyPlan(ctx, s.plans, &out); err != nil {
		return out, err
	}
	s.log.Info().Str("event_id", ev.ID).Str("user_id", out.UserID).Str("plan", out.Plan).Msg("Plan updated from Stripe")
	return out, nil
}

// parseEvent extracts the plan change carried by ev. Events that do not
// change a plan come back with an empty Plan.
func parseEvent(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return out, fmt.Errorf("parseEvent: checkout session: %w", err)
		}
		out.UserID = sess.ClientReferenceID
		if sess.Customer != nil {
			out.CustomerID = sess.Customer.ID
		}
		if out.UserID == "" && out.CustomerID == "" {
			return out, nil
		}
		out.Plan = domain.PlanPro

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("parseEvent: subscription: %w", err)
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return out, nil
		}
		out.CustomerID = sub.Customer.ID
		out.Plan = domain.PlanFree
	}
	return out, nil
}
