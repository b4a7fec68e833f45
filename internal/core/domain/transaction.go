package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks the buyer's card payment at the payment backend.
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
	PaymentStatusCanceled       PaymentStatus = "canceled"
)

// FulfillmentStatus tracks on-ledger delivery of the purchased tokens.
type FulfillmentStatus string

const (
	FulfillmentStatusPending    FulfillmentStatus = "pending"
	FulfillmentStatusProcessing FulfillmentStatus = "processing"
	FulfillmentStatusCompleted  FulfillmentStatus = "completed"
	FulfillmentStatusFailed     FulfillmentStatus = "failed"
	FulfillmentStatusCancelled  FulfillmentStatus = "cancelled"
)

// Valid reports whether s is a known fulfillment status.
func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentStatusPending, FulfillmentStatusProcessing, FulfillmentStatusCompleted,
		FulfillmentStatusFailed, FulfillmentStatusCancelled:
		return true
	}
	return false
}

// Transaction is one token purchase: a card payment on one axis and the
// on-ledger settlement on the other.
//
// TokenAmount and PricePerToken are fixed at creation. After that only the
// status fields, timestamps, ErrorMessage, RetryCount, SettlementClaimedAt and
// SettlementSignature change.
type Transaction struct {
	ID                  int64             `json:"id"`
	UUID                uuid.UUID         `json:"uuid"`
	UserID              int64             `json:"user_id"`
	TokenID             int64             `json:"token_id"`
	USDAmount           decimal.Decimal   `json:"usd_amount"`
	TokenAmount         int64             `json:"token_amount"`
	PricePerToken       decimal.Decimal   `json:"price_per_token"`
	PaymentIntentID     string            `json:"payment_intent_id"`
	WalletAddress       string            `json:"wallet_address"`
	PaymentStatus       PaymentStatus     `json:"payment_status"`
	FulfillmentStatus   FulfillmentStatus `json:"fulfillment_status"`
	SettlementSignature *string           `json:"settlement_signature,omitempty"`
	SettlementClaimedAt *time.Time        `json:"-"`
	RetryCount          int               `json:"retry_count"`
	ErrorMessage        *string           `json:"error_message,omitempty"`
	IPAddress           string            `json:"-"`
	UserAgent           string            `json:"-"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	FulfilledAt         *time.Time        `json:"fulfilled_at,omitempty"`
}

// IsDone is true once the buyer has paid and the tokens have been delivered.
func (t *Transaction) IsDone() bool {
	return t.PaymentStatus == PaymentStatusSucceeded &&
		t.FulfillmentStatus == FulfillmentStatusCompleted
}

// IsSettleable reports whether the settlement worker may act on the row.
func (t *Transaction) IsSettleable() bool {
	return t.SettlementSignature == nil &&
		(t.FulfillmentStatus == FulfillmentStatusProcessing ||
			t.FulfillmentStatus == FulfillmentStatusFailed)
}

// IsRetryable reports whether an operator or the sweep may resubmit settlement.
func (t *Transaction) IsRetryable() bool {
	return t.FulfillmentStatus == FulfillmentStatusFailed &&
		t.PaymentStatus == PaymentStatusSucceeded &&
		t.SettlementSignature == nil
}

// TransactionListFilter selects transactions for operator listings and sweeps.
type TransactionListFilter struct {
	FulfillmentStatus *FulfillmentStatus
	UpdatedBefore     *time.Time
	Claimed           *bool
	MaxRetryCount     *int
	Page              int
	PageSize          int
}
