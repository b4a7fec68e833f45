package ports

import (
	"context"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionRepository defines persistence operations for purchase transactions.
//
// Every state-changing method is a conditional update keyed by id and guarded
// by the expected pre-state. The bool result is false when no row matched,
// which callers treat as a lost race rather than an error.
type TransactionRepository interface {
	Create(ctx context.Context, t *domain.Transaction) error
	GetByID(ctx context.Context, id int64) (*domain.Transaction, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByPaymentIntentID(ctx context.Context, intentID string) (*domain.Transaction, error)

	// SumDailySpend totals USD of pending and succeeded payments in [from, to).
	SumDailySpend(ctx context.Context, userID, tokenID int64, from, to time.Time) (decimal.Decimal, error)

	UpdatePaymentStatus(ctx context.Context, id int64, from []domain.PaymentStatus, to domain.PaymentStatus, reason *string) (bool, error)
	TransitionFulfillment(ctx context.Context, id int64, from, to domain.FulfillmentStatus) (bool, error)
	ClaimSettlement(ctx context.Context, id int64) (bool, error)
	CompleteSettlement(ctx context.Context, id int64, signature string) (bool, error)
	FailSettlement(ctx context.Context, id int64, reason string) (bool, error)

	List(ctx context.Context, filter domain.TransactionListFilter) ([]domain.Transaction, int64, error)
}

// TokenRepository defines persistence operations for tokens on sale.
type TokenRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Token, error)
	Upsert(ctx context.Context, token *domain.Token) error
}

// WebhookEventRepository is the durable log of inbound payment notifications.
type WebhookEventRepository interface {
	// Insert records a new event. It returns false without error when the
	// event id is already logged.
	Insert(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	RecordOutcome(ctx context.Context, eventID string, outcome domain.WebhookOutcome, errMsg *string, transactionID *int64) error
}

// AuditRepository persists audit trail entries.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}
