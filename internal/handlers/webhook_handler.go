package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/billing"
	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/repository"
)

const maxWebhookBody = 1 << 20

// AccountStore is the account repository slice the webhook handler needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	SetSubscription(ctx context.Context, id uuid.UUID, plan, status, subscriptionID string, periodEnd *time.Time) error
	SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Granter applies at-most-once credit grants.
type Granter interface {
	GrantIfNew(ctx context.Context, g executor.Grant) (*executor.GrantOutcome, error)
}

// WebhookHandler serves POST /v1/webhooks/stripe.
//
// Grants key on the provider's event object ids (session id, invoice id), so
// redelivered events are absorbed by the ledger's idempotency gate. Events we
// cannot attribute to an account are acknowledged and logged rather than
// retried forever by the provider.
type WebhookHandler struct {
	Secret   string
	Catalog  *billing.Catalog
	Accounts AccountStore
	Granter  Granter
	Logger   *slog.Logger
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	if err := billing.VerifySignature(payload, r.Header.Get("Stripe-Signature"), h.Secret, billing.DefaultSignatureTolerance, time.Now()); err != nil {
		h.Logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusBadRequest)
		return
	}

	event, err := billing.ParseEvent(payload)
	if err != nil {
		http.Error(w, `{"error":"invalid event payload"}`, http.StatusBadRequest)
		return
	}

	switch event.Type {
	case billing.EventCheckoutCompleted:
		err = h.handleCheckoutCompleted(r.Context(), event)
	case billing.EventInvoicePaid:
		err = h.handleInvoicePaid(r.Context(), event)
	case billing.EventSubscriptionUpdated:
		err = h.handleSubscriptionUpdated(r.Context(), event)
	case billing.EventSubscriptionDeleted:
		err = h.handleSubscriptionDeleted(r.Context(), event)
	default:
		h.Logger.Info("ignoring webhook event", "type", event.Type, "event_id", event.ID)
	}
	if err != nil {
		h.Logger.Error("webhook processing failed", "type", event.Type, "event_id", event.ID, "error", err)
		http.Error(w, `{"error":"processing failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleCheckoutCompleted grants credits for one-time purchases and for the
// first period of a new subscription. The checkout layer stamps account_id
// and price_id into the session metadata.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *billing.Event) error {
	var session billing.CheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return err
	}

	accountID, err := uuid.Parse(session.Metadata["account_id"])
	if err != nil {
		h.Logger.Warn("checkout session without account_id metadata", "session_id", session.ID)
		return nil
	}
	account, err := h.Accounts.GetByID(ctx, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.Logger.Warn("checkout session for unknown account", "session_id", session.ID, "account_id", accountID)
		return nil
	}
	if err != nil {
		return err
	}

	if session.Customer != "" && (account.StripeCustomerID == nil || *account.StripeCustomerID != session.Customer) {
		if err := h.Accounts.SetStripeCustomerID(ctx, account.ID, session.Customer); err != nil {
			return err
		}
	}

	priceID := session.Metadata["price_id"]
	plan, ok := h.Catalog.ByPriceID(priceID)
	if !ok {
		h.Logger.Warn("checkout session with unknown price", "session_id", session.ID, "price_id", priceID)
		return nil
	}

	op := models.OpPurchase
	grantType := "purchase"
	if session.Mode == "subscription" {
		op = models.OpSubscription
		grantType = "subscription_initial"
		if err := h.Accounts.SetSubscription(ctx, account.ID, plan.ID, models.SubscriptionActive, session.Subscription, nil); err != nil {
			return err
		}
	}

	_, err = h.Granter.GrantIfNew(ctx, executor.Grant{
		AccountID:      account.ID,
		Operation:      op,
		Amount:         plan.MonthlyCredits,
		IdempotencyKey: session.ID,
		Metadata: models.Metadata{
			models.MetaPlanName:  plan.Name,
			models.MetaGrantType: grantType,
		},
	})
	return err
}

// handleInvoicePaid grants renewal credits. The subscription's first invoice
// is skipped because the checkout event already granted that period.
func (h *WebhookHandler) handleInvoicePaid(ctx context.Context, event *billing.Event) error {
	var invoice billing.Invoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return err
	}
	if invoice.BillingReason == billing.BillingReasonSubscriptionCreate {
		return nil
	}

	account, err := h.Accounts.GetByStripeCustomerID(ctx, invoice.Customer)
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.Logger.Warn("invoice for unknown customer", "invoice_id", invoice.ID, "customer", invoice.Customer)
		return nil
	}
	if err != nil {
		return err
	}

	plan, ok := h.Catalog.ByPriceID(invoice.PriceID())
	if !ok {
		h.Logger.Warn("invoice with unknown price", "invoice_id", invoice.ID, "price_id", invoice.PriceID())
		return nil
	}

	if _, err := h.Granter.GrantIfNew(ctx, executor.Grant{
		AccountID:      account.ID,
		Operation:      models.OpSubscription,
		Amount:         plan.MonthlyCredits,
		IdempotencyKey: invoice.ID,
		Metadata: models.Metadata{
			models.MetaPlanName:  plan.Name,
			models.MetaGrantType: "subscription_renewal",
		},
	}); err != nil {
		return err
	}

	return h.Accounts.SetSubscriptionStatus(ctx, account.ID, models.SubscriptionActive)
}

func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	var sub billing.Subscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return err
	}

	account, err := h.resolveSubscriptionAccount(ctx, &sub)
	if account == nil || err != nil {
		return err
	}

	plan, ok := h.Catalog.ByPriceID(sub.PriceID())
	planID := account.SubscriptionPlan
	if ok {
		planID = plan.ID
	}
	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}
	return h.Accounts.SetSubscription(ctx, account.ID, planID, sub.Status, sub.ID, periodEnd)
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *billing.Event) error {
	var sub billing.Subscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return err
	}

	account, err := h.resolveSubscriptionAccount(ctx, &sub)
	if account == nil || err != nil {
		return err
	}
	return h.Accounts.SetSubscriptionStatus(ctx, account.ID, models.SubscriptionCanceled)
}

func (h *WebhookHandler) resolveSubscriptionAccount(ctx context.Context, sub *billing.Subscription) (*models.Account, error) {
	account, err := h.Accounts.GetByStripeSubscriptionID(ctx, sub.ID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		account, err = h.Accounts.GetByStripeCustomerID(ctx, sub.Customer)
	}
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.Logger.Warn("subscription event for unknown account", "subscription_id", sub.ID, "customer", sub.Customer)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}
