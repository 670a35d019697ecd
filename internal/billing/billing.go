// Package billing upgrades users to paid plans through Stripe.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/mdraft/internal/domain"
)

var (
	ErrNotConfigured = errors.New("billing is not configured")
	ErrBadSignature  = errors.New("invalid webhook signature")
)

// Event is what a webhook changed, if anything.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Plan       string `json:"plan,omitempty"`
	Handled    bool   `json:"handled"`
}

type Billing interface {
	Enabled() bool
	CreateCheckout(ctx context.Context, user domain.User) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (Event, error)
}

// Plans is the store surface billing writes to.
type Plans interface {
	SetUserPlan(ctx context.Context, id, plan, customerID string) error
	GetUserByStripeCustomer(ctx context.Context, customerID string) (domain.User, error)
}

// Disabled is used when no Stripe key is configured.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) CreateCheckout(context.Context, domain.User) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) HandleWebhook(context.Context, []byte, string) (Event, error) {
	return Event{}, ErrNotConfigured
}

// QuotaExceeded reports whether a user on plan has used up the daily
// allowance. Pro is unlimited; a free limit of 0 or less disables the quota.
func QuotaExceeded(plan string, usedToday, freeLimit int) bool {
	if plan == domain.PlanPro || freeLimit <= 0 {
		return false
	}
	return usedToday >= freeLimit
}

func applyPlan(ctx context.Context, plans Plans, ev *Event) error {
	userID := ev.UserID
	if userID == "" {
		u, err := plans.GetUserByStripeCustomer(ctx, ev.CustomerID)
		if err != nil {
			return fmt.Errorf("applyPlan: find customer %s: %w", ev.CustomerID, err)
		}
		userID = u.ID
		ev.UserID = u.ID
	}
	if err := plans.SetUserPlan(ctx, userID, ev.Plan, ev.CustomerID); err != nil {
		return fmt.Errorf("applyPlan: %w", err)
	}
	ev.Handled = true
	return nil
}
