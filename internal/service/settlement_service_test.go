package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type settlementTestDeps struct {
	svc       *SettlementServiceImpl
	txRepo    *mocks.MockTransactionRepository
	tokenRepo *mocks.MockTokenRepository
	backend   *mocks.MockSettlementBackend
	addresses *mocks.MockAddressValidator
	queue     *mocks.MockSettlementQueue
}

func setupSettlementService(t *testing.T) *settlementTestDeps {
	ctrl := gomock.NewController(t)
	d := &settlementTestDeps{
		txRepo:    mocks.NewMockTransactionRepository(ctrl),
		tokenRepo: mocks.NewMockTokenRepository(ctrl),
		backend:   mocks.NewMockSettlementBackend(ctrl),
		addresses: mocks.NewMockAddressValidator(ctrl),
		queue:     mocks.NewMockSettlementQueue(ctrl),
	}
	d.svc = NewSettlementService(d.txRepo, d.tokenRepo, d.backend, d.addresses, d.queue, 50*time.Millisecond, nil, newTestLogger())
	return d
}

func paidTransaction(status domain.FulfillmentStatus) *domain.Transaction {
	return &domain.Transaction{
		ID:                42,
		UUID:              uuid.MustParse("8f14e45f-ceea-467f-a0b6-0b9c3a5c1d2e"),
		UserID:            7,
		TokenID:           1,
		USDAmount:         dec("100"),
		TokenAmount:       200,
		PricePerToken:     dec("0.50"),
		PaymentIntentID:   "pi_123",
		WalletAddress:     testBuyer,
		PaymentStatus:     domain.PaymentStatusSucceeded,
		FulfillmentStatus: status,
	}
}

// expectClaimed arranges the reads and claim that precede any backend call.
func (d *settlementTestDeps) expectClaimed(tx *domain.Transaction) {
	claimed := *tx
	claimed.FulfillmentStatus = domain.FulfillmentStatusProcessing
	now := time.Now()
	claimed.SettlementClaimedAt = &now

	gomock.InOrder(
		d.txRepo.EXPECT().GetByID(gomock.Any(), tx.ID).Return(tx, nil),
		d.txRepo.EXPECT().ClaimSettlement(gomock.Any(), tx.ID).Return(true, nil),
		d.txRepo.EXPECT().GetByID(gomock.Any(), tx.ID).Return(&claimed, nil),
	)
}

func TestSettlementService_Settle_Success(t *testing.T) {
	d := setupSettlementService(t)
	tx := paidTransaction(domain.FulfillmentStatusProcessing)
	d.expectClaimed(tx)

	d.addresses.EXPECT().Valid(testBuyer).Return(true)
	d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), tx.UUID.String()).Return(domain.TransferNotFound(), nil)
	d.backend.EXPECT().TreasuryBalance(gomock.Any(), "SALE", testIssuer).Return(domain.BalanceFound(dec("1000")), nil)
	d.backend.EXPECT().Transfer(gomock.Any(), domain.TransferRequest{
		Destination: testBuyer,
		Amount:      200,
		AssetCode:   "SALE",
		AssetIssuer: testIssuer,
		Reference:   tx.UUID.String(),
	}).Return(&domain.TransferReceipt{Hash: "abc123", Ledger: 9}, nil)
	d.txRepo.EXPECT().CompleteSettlement(gomock.Any(), tx.ID, "abc123").Return(true, nil)

	res, err := d.svc.Settle(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc123", res.Signature)
	assert.Empty(t, res.Error)
}

func TestSettlementService_Settle_NotSettleable(t *testing.T) {
	sig := "done"
	completed := paidTransaction(domain.FulfillmentStatusCompleted)
	completed.SettlementSignature = &sig

	for name, tx := range map[string]*domain.Transaction{
		"pending":   paidTransaction(domain.FulfillmentStatusPending),
		"completed": completed,
		"cancelled": paidTransaction(domain.FulfillmentStatusCancelled),
		"missing":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			d := setupSettlementService(t)
			d.txRepo.EXPECT().GetByID(gomock.Any(), int64(42)).Return(tx, nil)

			res, err := d.svc.Settle(context.Background(), 42)
			require.NoError(t, err)
			assert.True(t, res.Skipped)
			assert.False(t, res.Success)
		})
	}
}

func TestSettlementService_Settle_ClaimLost(t *testing.T) {
	d := setupSettlementService(t)
	tx := paidTransaction(domain.FulfillmentStatusProcessing)

	d.txRepo.EXPECT().GetByID(gomock.Any(), tx.ID).Return(tx, nil)
	d.txRepo.EXPECT().ClaimSettlement(gomock.Any(), tx.ID).Return(false, nil)
	// no backend expectations: a transfer here fails the test

	res, err := d.svc.Settle(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSettlementService_Settle_FromFailedTransitionsFirst(t *testing.T) {
	d := setupSettlementService(t)
	tx := paidTransaction(domain.FulfillmentStatusFailed)
	tx.RetryCount = 1

	gomock.InOrder(
		d.txRepo.EXPECT().GetByID(gomock.Any(), tx.ID).Return(tx, nil),
		d.txRepo.EXPECT().TransitionFulfillment(gomock.Any(), tx.ID, domain.FulfillmentStatusFailed, domain.FulfillmentStatusProcessing).Return(false, nil),
	)

	res, err := d.svc.Settle(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSettlementService_Settle_PriorTransferConfirmed(t *testing.T) {
	d := setupSettlementService(t)
	tx := paidTransaction(domain.FulfillmentStatusProcessing)
	d.expectClaimed(tx)

	d.addresses.EXPECT().Valid(testBuyer).Return(true)
	d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), tx.UUID.String()).
		Return(domain.TransferFound("landed", domain.TransferStatusConfirmed), nil)
	d.txRepo.EXPECT().CompleteSettlement(gomock.Any(), tx.ID, "landed").Return(true, nil)

	res, err := d.svc.Settle(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "landed", res.Signature)
}

func TestSettlementService_Settle_Failures(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(d *settlementTestDeps)
		reason  string
	}{
		{
			name: "invalid recipient",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(false)
			},
			reason: reasonInvalidRecipient,
		},
		{
			name: "lookup error",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferLookup{}, errors.New("signer down"))
			},
			reason: "transfer lookup failed: signer down",
		},
		{
			name: "prior transfer pending",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).
					Return(domain.TransferFound("h", domain.TransferStatusPending), nil)
			},
			reason: reasonPriorTransferStuck,
		},
		{
			name: "treasury missing",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
				d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceNotFound(), nil)
			},
			reason: reasonTreasuryNotFound,
		},
		{
			name: "insufficient treasury",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
				d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceFound(dec("199")), nil)
			},
			reason: reasonInsufficientFunds,
		},
		{
			name: "transfer rejected",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
				d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceFound(dec("1000")), nil)
				d.backend.EXPECT().Transfer(gomock.Any(), gomock.Any()).Return(nil, errors.New("op_no_trust"))
			},
			reason: "transfer failed: op_no_trust",
		},
		{
			name: "transfer submitted but unconfirmed",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
				d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceFound(dec("1000")), nil)
				d.backend.EXPECT().Transfer(gomock.Any(), gomock.Any()).
					Return(nil, domain.ErrTransferUnconfirmed)
			},
			reason: reasonPriorTransferStuck,
		},
		{
			name: "transfer timeout",
			arrange: func(d *settlementTestDeps) {
				d.addresses.EXPECT().Valid(testBuyer).Return(true)
				d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
				d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
				d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceFound(dec("1000")), nil)
				d.backend.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
					func(ctx context.Context, _ domain.TransferRequest) (*domain.TransferReceipt, error) {
						<-ctx.Done()
						return nil, ctx.Err()
					},
				)
			},
			reason: "settlement transfer timed out after 50ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupSettlementService(t)
			tx := paidTransaction(domain.FulfillmentStatusProcessing)
			d.expectClaimed(tx)
			tt.arrange(d)
			d.txRepo.EXPECT().FailSettlement(gomock.Any(), tx.ID, tt.reason).Return(true, nil)

			res, err := d.svc.Settle(context.Background(), tx.ID)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.False(t, res.Skipped)
			assert.Equal(t, tt.reason, res.Error)
		})
	}
}

func TestSettlementService_Settle_CompletionNotRecorded(t *testing.T) {
	d := setupSettlementService(t)
	tx := paidTransaction(domain.FulfillmentStatusProcessing)
	d.expectClaimed(tx)

	d.addresses.EXPECT().Valid(testBuyer).Return(true)
	d.tokenRepo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(newSaleToken(), nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), gomock.Any()).Return(domain.TransferNotFound(), nil)
	d.backend.EXPECT().TreasuryBalance(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.BalanceFound(dec("1000")), nil)
	d.backend.EXPECT().Transfer(gomock.Any(), gomock.Any()).Return(&domain.TransferReceipt{Hash: "abc"}, nil)
	d.txRepo.EXPECT().CompleteSettlement(gomock.Any(), tx.ID, "abc").Return(false, errors.New("connection refused"))

	res, err := d.svc.Settle(context.Background(), tx.ID)
	assert.Nil(t, res)
	assert.Error(t, err)
}

func TestSettlementService_Retry(t *testing.T) {
	ref := uuid.New()

	t.Run("failed row is enqueued", func(t *testing.T) {
		d := setupSettlementService(t)
		tx := paidTransaction(domain.FulfillmentStatusFailed)
		tx.UUID = ref
		tx.RetryCount = 1
		processing := *tx
		processing.FulfillmentStatus = domain.FulfillmentStatusProcessing

		gomock.InOrder(
			d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(tx, nil),
			d.txRepo.EXPECT().TransitionFulfillment(gomock.Any(), tx.ID, domain.FulfillmentStatusFailed, domain.FulfillmentStatusProcessing).Return(true, nil),
			d.queue.EXPECT().Enqueue(gomock.Any(), tx.ID).Return(nil),
			d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(&processing, nil),
		)

		got, err := d.svc.Retry(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, domain.FulfillmentStatusProcessing, got.FulfillmentStatus)
	})

	t.Run("queue full still succeeds", func(t *testing.T) {
		d := setupSettlementService(t)
		tx := paidTransaction(domain.FulfillmentStatusFailed)
		tx.UUID = ref

		d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(tx, nil).Times(2)
		d.txRepo.EXPECT().TransitionFulfillment(gomock.Any(), tx.ID, gomock.Any(), gomock.Any()).Return(true, nil)
		d.queue.EXPECT().Enqueue(gomock.Any(), tx.ID).Return(ErrQueueFull)

		_, err := d.svc.Retry(context.Background(), ref)
		require.NoError(t, err)
	})

	for _, status := range []domain.FulfillmentStatus{
		domain.FulfillmentStatusPending,
		domain.FulfillmentStatusProcessing,
		domain.FulfillmentStatusCompleted,
	} {
		t.Run("rejects "+string(status), func(t *testing.T) {
			d := setupSettlementService(t)
			d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(paidTransaction(status), nil)

			_, err := d.svc.Retry(context.Background(), ref)
			appErr := assertAppError(t, err, "PAY_009")
			assert.Equal(t, 409, appErr.HTTPStatus)
		})
	}

	t.Run("lost race", func(t *testing.T) {
		d := setupSettlementService(t)
		d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(paidTransaction(domain.FulfillmentStatusFailed), nil)
		d.txRepo.EXPECT().TransitionFulfillment(gomock.Any(), int64(42), gomock.Any(), gomock.Any()).Return(false, nil)

		_, err := d.svc.Retry(context.Background(), ref)
		assertAppError(t, err, "PAY_009")
	})

	t.Run("unknown ref", func(t *testing.T) {
		d := setupSettlementService(t)
		d.txRepo.EXPECT().GetByUUID(gomock.Any(), ref).Return(nil, nil)

		_, err := d.svc.Retry(context.Background(), ref)
		assertAppError(t, err, "PAY_004")
	})
}

func TestSettlementService_ListTransactions(t *testing.T) {
	d := setupSettlementService(t)
	failed := domain.FulfillmentStatusFailed
	filter := domain.TransactionListFilter{FulfillmentStatus: &failed, Page: 2, PageSize: 10}

	d.txRepo.EXPECT().List(gomock.Any(), filter).Return([]domain.Transaction{*paidTransaction(failed)}, int64(11), nil)

	txns, total, err := d.svc.ListTransactions(context.Background(), filter)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, int64(11), total)

	bogus := domain.FulfillmentStatus("canceled")
	_, _, err = d.svc.ListTransactions(context.Background(), domain.TransactionListFilter{FulfillmentStatus: &bogus})
	assertAppError(t, err, "PAY_002")
}
