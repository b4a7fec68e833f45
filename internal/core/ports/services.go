package ports

import (
	"context"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
	// BuildWebhookPayload returns the string the payment backend signs for an
	// inbound notification: "<timestamp>.<raw body>".
	BuildWebhookPayload(timestamp int64, body []byte) string
}

// TokenService handles buyer bearer tokens.
type TokenService interface {
	Generate(userID int64, role string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID int64
	Role   string
}

// NonceStore manages nonce uniqueness for replay attack prevention.
type NonceStore interface {
	// CheckAndSet atomically checks if nonce exists, sets it if not.
	// Returns true if nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, scope string, nonce string, ttl time.Duration) (bool, error)
}

// Locker grants short-lived exclusive leases shared across instances.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// WebhookEventCache is the Redis-layer replay check for inbound events (fast path).
type WebhookEventCache interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// AddressValidator checks a recipient address against the ledger's grammar.
type AddressValidator interface {
	Valid(address string) bool
}

// --- External Backends ---

// PaymentBackend is the card payment processor.
type PaymentBackend interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error)
	// ParseWebhook verifies the signature over the exact payload bytes and
	// decodes the event.
	ParseWebhook(payload []byte, signatureHeader string) (*domain.PaymentEvent, error)
}

// CreateIntentParams describes one charge intent.
type CreateIntentParams struct {
	Amount    decimal.Decimal // USD
	Reference uuid.UUID       // local transaction UUID
	UserID    int64
	TokenID   int64
	Metadata  map[string]string
}

// PaymentIntent is the payment backend's view of a created intent.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// SettlementBackend moves tokens from the treasury to buyers.
type SettlementBackend interface {
	Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferReceipt, error)
	LookupTransfer(ctx context.Context, reference string) (domain.TransferLookup, error)
	TreasuryBalance(ctx context.Context, assetCode, assetIssuer string) (domain.BalanceLookup, error)
}

// --- Service Ports (Business Logic) ---

// SpendingLimitGuard evaluates the per-user, per-token daily spend cap.
type SpendingLimitGuard interface {
	CheckLimit(ctx context.Context, userID, tokenID int64, amount decimal.Decimal) (*domain.LimitCheck, error)
}

// IntentService creates and reads purchase intents.
type IntentService interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentResult, error)
	GetIntent(ctx context.Context, userID int64, ref uuid.UUID) (*domain.Transaction, error)
}

// CreateIntentRequest holds validated input for a purchase.
type CreateIntentRequest struct {
	UserID        int64
	TokenID       int64
	USDAmount     decimal.Decimal
	WalletAddress string
	IPAddress     string
	UserAgent     string
}

// IntentResult is the stored transaction plus the secret the buyer's client
// needs to confirm payment. The secret is never persisted.
type IntentResult struct {
	Transaction  *domain.Transaction
	ClientSecret string
}

// WebhookIngestor consumes payment backend notifications.
type WebhookIngestor interface {
	// Ingest returns an error only when the signature or payload format is
	// invalid. Processing failures are recorded and swallowed.
	Ingest(ctx context.Context, payload []byte, signatureHeader string) error
}

// SettlementService performs and retries on-ledger delivery.
type SettlementService interface {
	Settle(ctx context.Context, transactionID int64) (*domain.SettlementResult, error)
	Retry(ctx context.Context, ref uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionListFilter) ([]domain.Transaction, int64, error)
}

// SettlementQueue hands transaction ids to settlement workers.
type SettlementQueue interface {
	Enqueue(ctx context.Context, transactionID int64) error
	Backlog() int
}

// AuditService records audit trail entries.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}
