package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType classifies every balance mutation written to the ledger.
type OperationType string

const (
	OpAIGeneration       OperationType = "ai_generation"
	OpAIChat             OperationType = "ai_chat"
	OpImageGeneration    OperationType = "image_generation"
	OpVideoGeneration    OperationType = "video_generation"
	OpDocumentProcessing OperationType = "document_processing"
	OpAPICall            OperationType = "api_call"
	OpPurchase           OperationType = "purchase"
	OpRefund             OperationType = "refund"
	OpBonus              OperationType = "bonus"
	OpSubscription       OperationType = "subscription"
	OpAdminAdjustment    OperationType = "admin_adjustment"
)

// ErrUnknownOperation is returned for cost lookups on operation types that
// are not in the pricing table. A silent zero here would make paid work free.
var ErrUnknownOperation = errors.New("unknown operation type")

// defaultCost is the credit price charged when the caller does not supply one.
// Grant-only operation types cost nothing to perform.
var defaultCost = map[OperationType]int{
	OpAIGeneration:       10,
	OpAIChat:             1,
	OpImageGeneration:    15,
	OpVideoGeneration:    50,
	OpDocumentProcessing: 5,
	OpAPICall:            1,
	OpPurchase:           0,
	OpRefund:             0,
	OpBonus:              0,
	OpSubscription:       0,
	OpAdminAdjustment:    0,
}

// DefaultCost returns the configured credit cost for op.
func DefaultCost(op OperationType) (int, error) {
	cost, ok := defaultCost[op]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return cost, nil
}

// Metadata is the opaque context bag attached to a transaction. It is free
// form at the store boundary, but writers stick to the well-known keys below.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaIdempotencyKey        = "idempotency_key"
	MetaReason                = "reason"
	MetaOriginalTransactionID = "original_transaction_id"
	MetaOriginalOperationType = "original_operation_type"
	MetaProvider              = "provider"
	MetaModel                 = "model"
	MetaJobID                 = "job_id"
	MetaPlanName              = "plan_name"
	MetaGrantType             = "grant_type"
	MetaAdminAccountID        = "admin_account_id"
)

// Transaction is one immutable row of the credit ledger. Corrections are new
// rows (refund, admin_adjustment); transactions are never updated or deleted.
type Transaction struct {
	ID            uuid.UUID     `json:"id"`
	AccountID     uuid.UUID     `json:"account_id"`
	OperationType OperationType `json:"operation_type"`
	Amount        int           `json:"amount"`
	BalanceBefore int           `json:"balance_before"`
	BalanceAfter  int           `json:"balance_after"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	ReferenceID   *uuid.UUID    `json:"reference_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
