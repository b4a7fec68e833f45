package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/internal/metrics"
	"token-sale-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	reasonInvalidRecipient   = "invalid recipient address"
	reasonTokenNotFound      = "token not found"
	reasonTreasuryNotFound   = "treasury account not found"
	reasonInsufficientFunds  = "insufficient treasury balance"
	reasonPriorTransferStuck = "prior transfer awaiting confirmation"
	reasonStateChanged       = "settlement state changed during transfer"
)

// SettlementServiceImpl implements ports.SettlementService.
type SettlementServiceImpl struct {
	txRepo          ports.TransactionRepository
	tokenRepo       ports.TokenRepository
	backend         ports.SettlementBackend
	addresses       ports.AddressValidator
	queue           ports.SettlementQueue
	transferTimeout time.Duration
	metrics         *metrics.Metrics
	log             zerolog.Logger
	now             func() time.Time
}

// NewSettlementService creates a new SettlementServiceImpl.
func NewSettlementService(
	txRepo ports.TransactionRepository,
	tokenRepo ports.TokenRepository,
	backend ports.SettlementBackend,
	addresses ports.AddressValidator,
	queue ports.SettlementQueue,
	transferTimeout time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *SettlementServiceImpl {
	return &SettlementServiceImpl{
		txRepo:          txRepo,
		tokenRepo:       tokenRepo,
		backend:         backend,
		addresses:       addresses,
		queue:           queue,
		transferTimeout: transferTimeout,
		metrics:         m,
		log:             log,
		now:             time.Now,
	}
}

// Settle makes one attempt to deliver a paid transaction's tokens.
//
// A transfer is only submitted after this call wins the claim on the row and
// the backend reports no earlier transfer for the same reference. Every
// backend failure, timeouts included, ends in failed. The returned error is
// reserved for ledger reads and writes that did not go through.
func (s *SettlementServiceImpl) Settle(ctx context.Context, transactionID int64) (*domain.SettlementResult, error) {
	start := s.now()
	log := s.log.With().Int64("tx_id", transactionID).Logger()

	tx, err := s.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil || !tx.IsSettleable() {
		log.Debug().Msg("transaction not settleable, skipping")
		return s.skipped(transactionID, start), nil
	}

	if tx.FulfillmentStatus == domain.FulfillmentStatusFailed {
		moved, err := s.txRepo.TransitionFulfillment(ctx, tx.ID, domain.FulfillmentStatusFailed, domain.FulfillmentStatusProcessing)
		if err != nil {
			return nil, err
		}
		if !moved {
			log.Debug().Msg("retry transition lost, skipping")
			return s.skipped(transactionID, start), nil
		}
	}

	claimed, err := s.txRepo.ClaimSettlement(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Debug().Msg("settlement already claimed, skipping")
		return s.skipped(transactionID, start), nil
	}

	tx, err = s.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction %d disappeared after claim", transactionID)
	}

	if !s.addresses.Valid(tx.WalletAddress) {
		return s.fail(ctx, tx, start, reasonInvalidRecipient)
	}

	token, err := s.tokenRepo.GetByID(ctx, tx.TokenID)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if token == nil {
		return s.fail(ctx, tx, start, reasonTokenNotFound)
	}

	lookup, err := s.lookupTransfer(ctx, tx.UUID.String())
	if err != nil {
		return s.fail(ctx, tx, start, "transfer lookup failed: "+err.Error())
	}
	if lookup.Confirmed() {
		log.Info().Str("signature", lookup.Hash).Msg("found confirmed prior transfer")
		return s.complete(ctx, tx, start, lookup.Hash)
	}
	if lookup.Found {
		return s.fail(ctx, tx, start, reasonPriorTransferStuck)
	}

	balance, err := s.treasuryBalance(ctx, token)
	if err != nil {
		return s.fail(ctx, tx, start, "treasury balance check failed: "+err.Error())
	}
	if !balance.Found {
		return s.fail(ctx, tx, start, reasonTreasuryNotFound)
	}
	if !balance.Covers(tx.TokenAmount) {
		return s.fail(ctx, tx, start, reasonInsufficientFunds)
	}

	tctx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	defer cancel()

	receipt, err := s.backend.Transfer(tctx, domain.TransferRequest{
		Destination: tx.WalletAddress,
		Amount:      tx.TokenAmount,
		AssetCode:   token.AssetCode,
		AssetIssuer: token.AssetIssuer,
		Reference:   tx.UUID.String(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransferUnconfirmed) {
			log.Warn().Err(err).Msg("transfer submitted but not confirmed")
			return s.fail(ctx, tx, start, reasonPriorTransferStuck)
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return s.fail(ctx, tx, start, fmt.Sprintf("settlement transfer timed out after %s", s.transferTimeout))
		}
		return s.fail(ctx, tx, start, "transfer failed: "+err.Error())
	}

	return s.complete(ctx, tx, start, receipt.Hash)
}

// Retry sends a failed settlement back through the queue.
func (s *SettlementServiceImpl) Retry(ctx context.Context, ref uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.txRepo.GetByUUID(ctx, ref)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get transaction: %w", err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	if !tx.IsRetryable() {
		return nil, apperror.ErrNotRetryable().WithDetails(map[string]any{
			"fulfillment_status": tx.FulfillmentStatus,
		})
	}

	moved, err := s.txRepo.TransitionFulfillment(ctx, tx.ID, domain.FulfillmentStatusFailed, domain.FulfillmentStatusProcessing)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if !moved {
		return nil, apperror.ErrNotRetryable()
	}

	log := s.log.With().Int64("tx_id", tx.ID).Str("transaction_ref", ref.String()).Logger()
	if err := s.queue.Enqueue(ctx, tx.ID); err != nil {
		// The row is processing and unclaimed, so the next sweep picks it up.
		log.Warn().Err(err).Msg("retry not enqueued, leaving it to the reconciler")
	} else {
		log.Info().Int("retry_count", tx.RetryCount).Msg("settlement retry scheduled")
	}

	updated, err := s.txRepo.GetByUUID(ctx, ref)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("reload transaction: %w", err))
	}
	if updated == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return updated, nil
}

// ListTransactions pages through transactions for operators.
func (s *SettlementServiceImpl) ListTransactions(ctx context.Context, filter domain.TransactionListFilter) ([]domain.Transaction, int64, error) {
	if filter.FulfillmentStatus != nil && !filter.FulfillmentStatus.Valid() {
		return nil, 0, apperror.Validation(fmt.Sprintf("unknown fulfillment status %q", *filter.FulfillmentStatus))
	}
	txns, total, err := s.txRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, apperror.InternalError(err)
	}
	return txns, total, nil
}

func (s *SettlementServiceImpl) lookupTransfer(ctx context.Context, reference string) (domain.TransferLookup, error) {
	lctx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	defer cancel()
	return s.backend.LookupTransfer(lctx, reference)
}

func (s *SettlementServiceImpl) treasuryBalance(ctx context.Context, token *domain.Token) (domain.BalanceLookup, error) {
	bctx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	defer cancel()
	return s.backend.TreasuryBalance(bctx, token.AssetCode, token.AssetIssuer)
}

func (s *SettlementServiceImpl) complete(ctx context.Context, tx *domain.Transaction, start time.Time, signature string) (*domain.SettlementResult, error) {
	log := s.log.With().Int64("tx_id", tx.ID).Str("signature", signature).Logger()

	ok, err := s.txRepo.CompleteSettlement(ctx, tx.ID, signature)
	if err != nil {
		log.Error().Err(err).Msg("transfer confirmed but completion not recorded")
		return nil, err
	}
	if !ok {
		// A later attempt finds this transfer by reference and completes the row.
		log.Warn().Msg(reasonStateChanged)
		s.metrics.ObserveSettlement(metrics.OutcomeFailed, s.now().Sub(start))
		return &domain.SettlementResult{TransactionID: tx.ID, Signature: signature, Error: reasonStateChanged}, nil
	}

	s.metrics.ObserveSettlement(metrics.OutcomeCompleted, s.now().Sub(start))
	log.Info().Int64("token_amount", tx.TokenAmount).Str("destination", tx.WalletAddress).Msg("settlement completed")
	return &domain.SettlementResult{TransactionID: tx.ID, Success: true, Signature: signature}, nil
}

func (s *SettlementServiceImpl) fail(ctx context.Context, tx *domain.Transaction, start time.Time, reason string) (*domain.SettlementResult, error) {
	log := s.log.With().Int64("tx_id", tx.ID).Logger()

	ok, err := s.txRepo.FailSettlement(ctx, tx.ID, reason)
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("settlement failure not recorded")
		return nil, err
	}
	if !ok {
		log.Debug().Msg("settlement row left processing before failure was recorded")
	}

	s.metrics.ObserveSettlement(metrics.OutcomeFailed, s.now().Sub(start))
	log.Warn().Str("reason", reason).Int("retry_count", tx.RetryCount+1).Msg("settlement failed")
	return &domain.SettlementResult{TransactionID: tx.ID, Error: reason}, nil
}

func (s *SettlementServiceImpl) skipped(id int64, start time.Time) *domain.SettlementResult {
	s.metrics.ObserveSettlement(metrics.OutcomeSkipped, s.now().Sub(start))
	return &domain.SettlementResult{TransactionID: id, Skipped: true}
}
