package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/internal/metrics"
	"token-sale-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// IntentServiceImpl implements ports.IntentService.
type IntentServiceImpl struct {
	tokenRepo ports.TokenRepository
	txRepo    ports.TransactionRepository
	limits    ports.SpendingLimitGuard
	addresses ports.AddressValidator
	payments  ports.PaymentBackend
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewIntentService creates a new IntentServiceImpl.
func NewIntentService(
	tokenRepo ports.TokenRepository,
	txRepo ports.TransactionRepository,
	limits ports.SpendingLimitGuard,
	addresses ports.AddressValidator,
	payments ports.PaymentBackend,
	m *metrics.Metrics,
	log zerolog.Logger,
) *IntentServiceImpl {
	return &IntentServiceImpl{
		tokenRepo: tokenRepo,
		txRepo:    txRepo,
		limits:    limits,
		addresses: addresses,
		payments:  payments,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// CreateIntent validates a purchase, opens exactly one payment intent for it
// and stores the pending transaction with the price snapshotted.
//
// Checks run in a fixed order and the first failure wins: sale active,
// USD bounds and whole cents, token amount bounds, daily limit, wallet address.
func (s *IntentServiceImpl) CreateIntent(ctx context.Context, req ports.CreateIntentRequest) (*ports.IntentResult, error) {
	token, err := s.tokenRepo.GetByID(ctx, req.TokenID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get token: %w", err))
	}
	if token == nil || !token.IsActive {
		s.metrics.IncIntent("rejected")
		return nil, apperror.ErrSaleInactive()
	}

	if !req.USDAmount.IsPositive() || !isWholeCents(req.USDAmount) || !token.PurchaseInBounds(req.USDAmount) {
		s.metrics.IncIntent("rejected")
		return nil, apperror.ErrInvalidAmount().WithDetails(map[string]any{
			"min_purchase": token.MinPurchase.StringFixed(2),
			"max_purchase": token.MaxPurchase.StringFixed(2),
		})
	}

	tokenAmount := token.TokenAmountFor(req.USDAmount)
	if tokenAmount <= 0 || !token.TokenAmountInBounds(tokenAmount) {
		s.metrics.IncIntent("rejected")
		return nil, apperror.ErrInvalidAmount().WithDetails(map[string]any{
			"token_amount":     tokenAmount,
			"min_token_amount": token.MinTokenAmount,
			"max_token_amount": token.MaxTokenAmount,
		})
	}

	check, err := s.limits.CheckLimit(ctx, req.UserID, token.ID, req.USDAmount)
	if err != nil {
		return nil, err
	}
	if check.WouldExceed {
		s.metrics.IncIntent("rejected")
		return nil, apperror.ErrLimitExceeded().WithDetails(map[string]any{
			"current_spend": check.CurrentSpend.StringFixed(2),
			"daily_limit":   check.Limit.StringFixed(2),
			"remaining":     check.Remaining.StringFixed(2),
		})
	}

	if !s.addresses.Valid(req.WalletAddress) {
		s.metrics.IncIntent("rejected")
		return nil, apperror.ErrInvalidAddress()
	}

	ref := uuid.New()
	intent, err := s.payments.CreateIntent(ctx, ports.CreateIntentParams{
		Amount:    req.USDAmount,
		Reference: ref,
		UserID:    req.UserID,
		TokenID:   token.ID,
		Metadata: map[string]string{
			"token_symbol": token.Symbol,
			"token_amount": strconv.FormatInt(tokenAmount, 10),
		},
	})
	if err != nil {
		s.metrics.IncIntent("provider_error")
		s.log.Error().Err(err).
			Str("transaction_ref", ref.String()).
			Int64("user_id", req.UserID).
			Msg("payment intent creation failed")
		return nil, apperror.ErrPaymentProvider(err)
	}

	now := s.now().UTC()
	tx := &domain.Transaction{
		UUID:              ref,
		UserID:            req.UserID,
		TokenID:           token.ID,
		USDAmount:         req.USDAmount,
		TokenAmount:       tokenAmount,
		PricePerToken:     token.PricePerToken,
		PaymentIntentID:   intent.ID,
		WalletAddress:     req.WalletAddress,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentStatusPending,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.txRepo.Create(ctx, tx); err != nil {
		// The intent exists at the provider with no local row. It is never
		// confirmed by the buyer's client, so it expires unpaid.
		s.metrics.IncIntent("persist_error")
		s.log.Error().Err(err).
			Str("payment_intent_id", intent.ID).
			Str("transaction_ref", ref.String()).
			Msg("orphaned payment intent: transaction insert failed")
		return nil, apperror.InternalError(fmt.Errorf("create transaction: %w", err))
	}

	s.metrics.IncIntent("created")
	s.log.Info().
		Int64("tx_id", tx.ID).
		Str("transaction_ref", ref.String()).
		Str("payment_intent_id", intent.ID).
		Int64("token_amount", tokenAmount).
		Msg("purchase intent created")

	return &ports.IntentResult{Transaction: tx, ClientSecret: intent.ClientSecret}, nil
}

// GetIntent returns the caller's own transaction. Anyone else's is reported as
// not found so references cannot be enumerated.
func (s *IntentServiceImpl) GetIntent(ctx context.Context, userID int64, ref uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.txRepo.GetByUUID(ctx, ref)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get transaction: %w", err))
	}
	if tx == nil || tx.UserID != userID {
		return nil, apperror.ErrNotFound("purchase intent")
	}
	return tx, nil
}

// isWholeCents reports whether amount has no fraction of a cent. Trailing
// zeros ("10.500") are fine.
func isWholeCents(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(2))
}
