package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses mirrored from the payment provider.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

type Account struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	Name                 string     `json:"name"`
	CreditBalance        int        `json:"credit_balance"`
	SubscriptionPlan     string     `json:"subscription_plan,omitempty"`
	SubscriptionStatus   string     `json:"subscription_status,omitempty"`
	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	IsAdmin              bool       `json:"is_admin"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
