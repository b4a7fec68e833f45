package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"token-sale-settlement/config"
	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var reconcileNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type reconcilerTestDeps struct {
	r          *Reconciler
	txRepo     *mocks.MockTransactionRepository
	backend    *mocks.MockSettlementBackend
	settlement *mocks.MockSettlementService
	queue      *mocks.MockSettlementQueue
	locker     *mocks.MockLocker
}

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		Interval:       time.Minute,
		RequeueAfter:   2 * time.Minute,
		StuckAfter:     15 * time.Minute,
		MaxAutoRetries: 3,
		RetryBackoff:   10 * time.Minute,
		BatchSize:      100,
	}
}

func setupReconciler(t *testing.T, cfg config.ReconcileConfig) *reconcilerTestDeps {
	ctrl := gomock.NewController(t)
	d := &reconcilerTestDeps{
		txRepo:     mocks.NewMockTransactionRepository(ctrl),
		backend:    mocks.NewMockSettlementBackend(ctrl),
		settlement: mocks.NewMockSettlementService(ctrl),
		queue:      mocks.NewMockSettlementQueue(ctrl),
		locker:     mocks.NewMockLocker(ctrl),
	}
	d.r = NewReconciler(cfg, d.txRepo, d.backend, d.settlement, d.queue, d.locker, nil, newTestLogger())
	d.r.now = func() time.Time { return reconcileNow }
	return d
}

func filterFor(status domain.FulfillmentStatus, before time.Time, claimed *bool, maxRetries *int) domain.TransactionListFilter {
	return domain.TransactionListFilter{
		FulfillmentStatus: &status,
		UpdatedBefore:     &before,
		Claimed:           claimed,
		MaxRetryCount:     maxRetries,
		PageSize:          100,
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestReconciler_Sweep(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())

	landed := *paidTransaction(domain.FulfillmentStatusProcessing)
	landed.ID, landed.UUID = 10, uuid.New()
	vanished := *paidTransaction(domain.FulfillmentStatusProcessing)
	vanished.ID, vanished.UUID = 11, uuid.New()
	inFlight := *paidTransaction(domain.FulfillmentStatusProcessing)
	inFlight.ID, inFlight.UUID = 12, uuid.New()

	d.locker.EXPECT().TryLock(gomock.Any(), reconcileLockName, time.Minute).Return(true, nil)

	d.txRepo.EXPECT().List(gomock.Any(), filterFor(domain.FulfillmentStatusProcessing, reconcileNow.Add(-2*time.Minute), boolPtr(false), nil)).
		Return([]domain.Transaction{{ID: 1}, {ID: 2}}, int64(2), nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), int64(1)).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), int64(2)).Return(nil)

	d.txRepo.EXPECT().List(gomock.Any(), filterFor(domain.FulfillmentStatusProcessing, reconcileNow.Add(-15*time.Minute), boolPtr(true), nil)).
		Return([]domain.Transaction{landed, vanished, inFlight}, int64(3), nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), landed.UUID.String()).Return(domain.TransferFound("h1", domain.TransferStatusConfirmed), nil)
	d.txRepo.EXPECT().CompleteSettlement(gomock.Any(), int64(10), "h1").Return(true, nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), vanished.UUID.String()).Return(domain.TransferNotFound(), nil)
	d.txRepo.EXPECT().FailSettlement(gomock.Any(), int64(11), reasonStalled).Return(true, nil)
	d.backend.EXPECT().LookupTransfer(gomock.Any(), inFlight.UUID.String()).Return(domain.TransferFound("h3", domain.TransferStatusPending), nil)

	report, err := d.r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Requeued: 2, Stuck: 3, Recovered: 1, Stalled: 1}, report)
}

func TestReconciler_Sweep_AutoRetry(t *testing.T) {
	cfg := testReconcileConfig()
	cfg.AutoRetry = true
	d := setupReconciler(t, cfg)

	retryable := *paidTransaction(domain.FulfillmentStatusFailed)
	retryable.UUID = uuid.New()
	unpaid := *paidTransaction(domain.FulfillmentStatusFailed)
	unpaid.PaymentStatus = domain.PaymentStatusFailed

	d.locker.EXPECT().TryLock(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	d.txRepo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, int64(0), nil).Times(2)
	d.txRepo.EXPECT().List(gomock.Any(), filterFor(domain.FulfillmentStatusFailed, reconcileNow.Add(-10*time.Minute), nil, intPtr(3))).
		Return([]domain.Transaction{retryable, unpaid}, int64(2), nil)
	d.settlement.EXPECT().Retry(gomock.Any(), retryable.UUID).Return(&retryable, nil)

	report, err := d.r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
}

func TestReconciler_Sweep_LockHeldElsewhere(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())
	d.locker.EXPECT().TryLock(gomock.Any(), reconcileLockName, gomock.Any()).Return(false, nil)

	report, err := d.r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestReconciler_Sweep_LockErrorSweepsAnyway(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())
	d.locker.EXPECT().TryLock(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("redis down"))
	d.txRepo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, int64(0), nil).Times(2)

	_, err := d.r.Sweep(context.Background())
	require.NoError(t, err)
}

func TestReconciler_Sweep_QueueFullStopsRequeue(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())
	d.locker.EXPECT().TryLock(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)

	d.txRepo.EXPECT().List(gomock.Any(), gomock.Any()).Return([]domain.Transaction{{ID: 1}, {ID: 2}, {ID: 3}}, int64(3), nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), int64(1)).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), int64(2)).Return(ErrQueueFull)
	d.txRepo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, int64(0), nil)

	report, err := d.r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
}

func TestReconciler_Sweep_ListError(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())
	d.locker.EXPECT().TryLock(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	d.txRepo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, int64(0), errors.New("db down"))

	_, err := d.r.Sweep(context.Background())
	assert.Error(t, err)
}

func TestReconciler_Recover(t *testing.T) {
	d := setupReconciler(t, testReconcileConfig())

	processing := domain.FulfillmentStatusProcessing
	d.txRepo.EXPECT().List(gomock.Any(), domain.TransactionListFilter{
		FulfillmentStatus: &processing,
		Claimed:           boolPtr(false),
		PageSize:          100,
	}).Return([]domain.Transaction{{ID: 5}}, int64(1), nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), int64(5)).Return(nil)

	n, err := d.r.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// A crashed process leaves an unclaimed processing row behind; the next
// process finds it on startup and settles it.
func TestReconciler_RecoverSettlesOrphanedJob(t *testing.T) {
	p := newPipeline(t)

	created := p.buy(t, 7, "100")
	p.ledger.set(created.ID, func(tx *domain.Transaction) {
		tx.PaymentStatus = domain.PaymentStatusSucceeded
		tx.FulfillmentStatus = domain.FulfillmentStatusProcessing
	})

	r := NewReconciler(testReconcileConfig(), p.ledger, p.settlement, p.settler, p.queue, nil, nil, newTestLogger())
	n, err := r.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p.waitFor(t, created.ID, domain.FulfillmentStatusCompleted)
}
