package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/billing"
	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/repository"
)

const webhookSecret = "whsec_test"

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubAccounts struct {
	byID           map[uuid.UUID]*models.Account
	byCustomer     map[string]uuid.UUID
	bySubscription map[string]uuid.UUID
}

func newStubAccounts(accounts ...*models.Account) *stubAccounts {
	s := &stubAccounts{
		byID:           make(map[uuid.UUID]*models.Account),
		byCustomer:     make(map[string]uuid.UUID),
		bySubscription: make(map[string]uuid.UUID),
	}
	for _, a := range accounts {
		s.byID[a.ID] = a
		if a.StripeCustomerID != nil {
			s.byCustomer[*a.StripeCustomerID] = a.ID
		}
		if a.StripeSubscriptionID != nil {
			s.bySubscription[*a.StripeSubscriptionID] = a.ID
		}
	}
	return s
}

func (s *stubAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return a, nil
}

func (s *stubAccounts) GetByStripeCustomerID(_ context.Context, customerID string) (*models.Account, error) {
	id, ok := s.byCustomer[customerID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return s.byID[id], nil
}

func (s *stubAccounts) GetByStripeSubscriptionID(_ context.Context, subscriptionID string) (*models.Account, error) {
	id, ok := s.bySubscription[subscriptionID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return s.byID[id], nil
}

func (s *stubAccounts) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	s.byID[id].StripeCustomerID = &customerID
	s.byCustomer[customerID] = id
	return nil
}

func (s *stubAccounts) SetSubscription(_ context.Context, id uuid.UUID, plan, status, subscriptionID string, periodEnd *time.Time) error {
	a := s.byID[id]
	a.SubscriptionPlan = plan
	a.SubscriptionStatus = status
	a.StripeSubscriptionID = &subscriptionID
	a.CurrentPeriodEnd = periodEnd
	s.bySubscription[subscriptionID] = id
	return nil
}

func (s *stubAccounts) SetSubscriptionStatus(_ context.Context, id uuid.UUID, status string) error {
	s.byID[id].SubscriptionStatus = status
	return nil
}

// stubGranter mirrors the ledger's idempotency gate: one grant per
// (operation, key).
type stubGranter struct {
	grants []executor.Grant
	seen   map[string]bool
}

func newStubGranter() *stubGranter {
	return &stubGranter{seen: make(map[string]bool)}
}

func (s *stubGranter) GrantIfNew(_ context.Context, g executor.Grant) (*executor.GrantOutcome, error) {
	key := string(g.Operation) + "|" + g.IdempotencyKey
	if s.seen[key] {
		return &executor.GrantOutcome{Applied: false}, nil
	}
	s.seen[key] = true
	s.grants = append(s.grants, g)
	id := uuid.New()
	return &executor.GrantOutcome{Applied: true, TransactionID: &id, BalanceAfter: g.Amount}, nil
}

func testCatalog() *billing.Catalog {
	return billing.NewCatalog("price_starter", "price_pro", "price_biz")
}

func testWebhookHandler(accounts *stubAccounts, granter *stubGranter) *WebhookHandler {
	return &WebhookHandler{
		Secret:   webhookSecret,
		Catalog:  testCatalog(),
		Accounts: accounts,
		Granter:  granter,
		Logger:   testLogger(),
	}
}

// deliver posts payload with a valid signature and returns the recorder.
func deliver(h *WebhookHandler, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", billing.SignPayload([]byte(payload), webhookSecret, time.Now()))
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := testWebhookHandler(newStubAccounts(), newStubGranter())

	payload := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.Handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_CheckoutPurchaseGrantsOnce(t *testing.T) {
	account := &models.Account{ID: uuid.New(), Email: "buyer@example.com"}
	accounts := newStubAccounts(account)
	granter := newStubGranter()
	h := testWebhookHandler(accounts, granter)

	payload := fmt.Sprintf(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","mode":"payment","customer":"cus_1",
		"metadata":{"account_id":%q,"price_id":"price_pro"}}}}`, account.ID)

	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// Redelivery of the same event must not double-grant.
	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", rec.Code)
	}

	if len(granter.grants) != 1 {
		t.Fatalf("expected exactly one grant, got %d", len(granter.grants))
	}
	g := granter.grants[0]
	if g.Operation != models.OpPurchase || g.Amount != 200 || g.IdempotencyKey != "cs_1" {
		t.Errorf("grant: %+v", g)
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID != "cus_1" {
		t.Error("checkout should record the customer reference")
	}
}

func TestWebhook_CheckoutSubscriptionActivates(t *testing.T) {
	account := &models.Account{ID: uuid.New(), Email: "sub@example.com"}
	accounts := newStubAccounts(account)
	granter := newStubGranter()
	h := testWebhookHandler(accounts, granter)

	payload := fmt.Sprintf(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{
		"id":"cs_2","mode":"subscription","customer":"cus_2","subscription":"sub_2",
		"metadata":{"account_id":%q,"price_id":"price_starter"}}}}`, account.ID)

	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(granter.grants) != 1 || granter.grants[0].Operation != models.OpSubscription || granter.grants[0].Amount != 50 {
		t.Errorf("grants: %+v", granter.grants)
	}
	if account.SubscriptionPlan != "starter" || account.SubscriptionStatus != models.SubscriptionActive {
		t.Errorf("account after checkout: %+v", account)
	}
}

func TestWebhook_InvoiceSkipsSubscriptionCreate(t *testing.T) {
	customer := "cus_3"
	account := &models.Account{ID: uuid.New(), Email: "sub@example.com", StripeCustomerID: &customer}
	granter := newStubGranter()
	h := testWebhookHandler(newStubAccounts(account), granter)

	// First invoice of a subscription: credits already granted at checkout.
	payload := `{"id":"evt_3","type":"invoice.payment_succeeded","data":{"object":{
		"id":"in_1","customer":"cus_3","billing_reason":"subscription_create",
		"lines":{"data":[{"price":{"id":"price_pro"}}]}}}}`
	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(granter.grants) != 0 {
		t.Fatalf("subscription_create invoice must not grant, got %+v", granter.grants)
	}
}

func TestWebhook_InvoiceRenewalGrants(t *testing.T) {
	customer := "cus_4"
	account := &models.Account{ID: uuid.New(), Email: "sub@example.com", StripeCustomerID: &customer, SubscriptionStatus: models.SubscriptionPastDue}
	granter := newStubGranter()
	h := testWebhookHandler(newStubAccounts(account), granter)

	payload := `{"id":"evt_4","type":"invoice.payment_succeeded","data":{"object":{
		"id":"in_2","customer":"cus_4","billing_reason":"subscription_cycle",
		"lines":{"data":[{"price":{"id":"price_biz"}}]}}}}`
	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(granter.grants) != 1 || granter.grants[0].Amount != 1000 || granter.grants[0].IdempotencyKey != "in_2" {
		t.Errorf("grants: %+v", granter.grants)
	}
	if account.SubscriptionStatus != models.SubscriptionActive {
		t.Errorf("renewal should reactivate, got %q", account.SubscriptionStatus)
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	subID := "sub_5"
	account := &models.Account{ID: uuid.New(), Email: "sub@example.com", StripeSubscriptionID: &subID, SubscriptionStatus: models.SubscriptionActive}
	h := testWebhookHandler(newStubAccounts(account), newStubGranter())

	payload := `{"id":"evt_5","type":"customer.subscription.deleted","data":{"object":{
		"id":"sub_5","customer":"cus_5","status":"canceled"}}}`
	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if account.SubscriptionStatus != models.SubscriptionCanceled {
		t.Errorf("status after delete: %q", account.SubscriptionStatus)
	}
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	h := testWebhookHandler(newStubAccounts(), newStubGranter())

	payload := `{"id":"evt_6","type":"charge.refunded","data":{"object":{}}}`
	if rec := deliver(h, payload); rec.Code != http.StatusOK {
		t.Fatalf("unknown events must be acknowledged, got %d", rec.Code)
	}
}
