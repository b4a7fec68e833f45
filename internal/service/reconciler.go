package service

import (
	"context"
	"errors"
	"time"

	"token-sale-settlement/config"
	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	reconcileLockName = "settlement-reconcile"
	reasonStalled     = "settlement stalled"
)

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Requeued  int
	Stuck     int
	Recovered int
	Stalled   int
	Retried   int
}

// Reconciler keeps the settlement pipeline moving when the in-process queue
// cannot: it re-enqueues unclaimed processing rows, resolves claims that never
// finished and optionally retries failed settlements.
type Reconciler struct {
	cfg        config.ReconcileConfig
	txRepo     ports.TransactionRepository
	backend    ports.SettlementBackend
	settlement ports.SettlementService
	queue      ports.SettlementQueue
	locker     ports.Locker
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// NewReconciler creates a new Reconciler. locker may be nil for single-instance
// deployments.
func NewReconciler(
	cfg config.ReconcileConfig,
	txRepo ports.TransactionRepository,
	backend ports.SettlementBackend,
	settlement ports.SettlementService,
	queue ports.SettlementQueue,
	locker ports.Locker,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Reconciler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		cfg:        cfg,
		txRepo:     txRepo,
		backend:    backend,
		settlement: settlement,
		queue:      queue,
		locker:     locker,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Recover re-enqueues every unclaimed processing row regardless of age. It is
// run once at startup, before the first webhook can arrive.
func (r *Reconciler) Recover(ctx context.Context) (int, error) {
	return r.requeue(ctx, nil)
}

// Run sweeps on every interval tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		r.log.Info().Msg("reconciler disabled")
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Msg("reconcile sweep failed")
				continue
			}
			if report != (SweepReport{}) {
				r.log.Info().
					Int("requeued", report.Requeued).
					Int("stuck", report.Stuck).
					Int("recovered", report.Recovered).
					Int("stalled", report.Stalled).
					Int("retried", report.Retried).
					Msg("reconcile sweep")
			}
		}
	}
}

// Sweep runs one reconciliation pass. With a locker configured only one
// instance sweeps per interval.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if r.locker != nil {
		ttl := r.cfg.Interval
		if ttl <= 0 {
			ttl = time.Minute
		}
		held, err := r.locker.TryLock(ctx, reconcileLockName, ttl)
		if err != nil {
			r.log.Warn().Err(err).Msg("reconcile lock unavailable, sweeping anyway")
		} else if !held {
			r.log.Debug().Msg("reconcile sweep held by another instance")
			return report, nil
		}
	}

	now := r.now()

	requeueBefore := now.Add(-r.cfg.RequeueAfter)
	n, err := r.requeue(ctx, &requeueBefore)
	report.Requeued = n
	if err != nil {
		return report, err
	}

	if err := r.resolveStuck(ctx, now, &report); err != nil {
		return report, err
	}

	if r.cfg.AutoRetry {
		if err := r.retryFailed(ctx, now, &report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (r *Reconciler) requeue(ctx context.Context, updatedBefore *time.Time) (int, error) {
	processing := domain.FulfillmentStatusProcessing
	unclaimed := false
	rows, _, err := r.txRepo.List(ctx, domain.TransactionListFilter{
		FulfillmentStatus: &processing,
		UpdatedBefore:     updatedBefore,
		Claimed:           &unclaimed,
		PageSize:          r.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, tx := range rows {
		if err := r.queue.Enqueue(ctx, tx.ID); err != nil {
			r.log.Warn().Err(err).Int64("tx_id", tx.ID).Msg("requeue stopped")
			break
		}
		requeued++
	}
	r.metrics.AddRequeued(requeued)
	return requeued, nil
}

// resolveStuck handles claims older than StuckAfter. The worker holding them is
// gone or wedged, so the backend is asked whether the transfer landed. A row
// marked failed here is safe to retry because every attempt looks up first.
func (r *Reconciler) resolveStuck(ctx context.Context, now time.Time, report *SweepReport) error {
	processing := domain.FulfillmentStatusProcessing
	claimed := true
	before := now.Add(-r.cfg.StuckAfter)
	rows, total, err := r.txRepo.List(ctx, domain.TransactionListFilter{
		FulfillmentStatus: &processing,
		UpdatedBefore:     &before,
		Claimed:           &claimed,
		PageSize:          r.cfg.BatchSize,
	})
	if err != nil {
		return err
	}

	report.Stuck = int(total)
	r.metrics.SetStuckTransactions(int(total))

	for _, tx := range rows {
		log := r.log.With().Int64("tx_id", tx.ID).Str("transaction_ref", tx.UUID.String()).Logger()
		log.Warn().Time("claimed_at", derefTime(tx.SettlementClaimedAt)).Msg("settlement stuck in processing")

		lookup, err := r.backend.LookupTransfer(ctx, tx.UUID.String())
		if err != nil {
			log.Warn().Err(err).Msg("stuck settlement lookup failed")
			continue
		}

		switch {
		case lookup.Confirmed():
			ok, err := r.txRepo.CompleteSettlement(ctx, tx.ID, lookup.Hash)
			if err != nil {
				return err
			}
			if ok {
				report.Recovered++
				log.Info().Str("signature", lookup.Hash).Msg("stuck settlement completed from ledger")
			}
		case !lookup.Found:
			ok, err := r.txRepo.FailSettlement(ctx, tx.ID, reasonStalled)
			if err != nil {
				return err
			}
			if ok {
				report.Stalled++
			}
		default:
			log.Warn().Str("status", lookup.Status).Msg("stuck settlement has an unconfirmed transfer")
		}
	}
	return nil
}

func (r *Reconciler) retryFailed(ctx context.Context, now time.Time, report *SweepReport) error {
	failed := domain.FulfillmentStatusFailed
	before := now.Add(-r.cfg.RetryBackoff)
	maxRetries := r.cfg.MaxAutoRetries
	rows, _, err := r.txRepo.List(ctx, domain.TransactionListFilter{
		FulfillmentStatus: &failed,
		UpdatedBefore:     &before,
		MaxRetryCount:     &maxRetries,
		PageSize:          r.cfg.BatchSize,
	})
	if err != nil {
		return err
	}

	for _, tx := range rows {
		if !tx.IsRetryable() {
			continue
		}
		if _, err := r.settlement.Retry(ctx, tx.UUID); err != nil {
			r.log.Debug().Err(err).Int64("tx_id", tx.ID).Msg("scheduled retry skipped")
			continue
		}
		report.Retried++
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
