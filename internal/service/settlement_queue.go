package service

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/metrics"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("settlement queue is full")
	ErrQueueClosed = errors.New("settlement queue is closed")
)

// SettleFunc performs one settlement attempt for a transaction id.
type SettleFunc func(ctx context.Context, transactionID int64) (*domain.SettlementResult, error)

// SettlementQueue is a buffered job channel drained by a fixed pool of
// workers. It implements ports.SettlementQueue.
//
// The queue itself is not durable. A job that is lost with the process is
// still an unclaimed processing row in the ledger, and the reconciler puts it
// back.
type SettlementQueue struct {
	jobs    chan int64
	workers int
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	queued map[int64]struct{}
	closed bool

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSettlementQueue creates a queue holding up to size pending jobs.
func NewSettlementQueue(size, workers int, m *metrics.Metrics, log zerolog.Logger) *SettlementQueue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &SettlementQueue{
		jobs:    make(chan int64, size),
		workers: workers,
		metrics: m,
		log:     log,
		queued:  make(map[int64]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. ctx is handed to every settle call and should
// outlive Shutdown so in-flight transfers are not cut short.
func (q *SettlementQueue) Start(ctx context.Context, settle SettleFunc) {
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.run(ctx, i, settle)
	}
	q.log.Info().Int("workers", q.workers).Int("capacity", cap(q.jobs)).Msg("settlement queue started")
}

// Enqueue schedules a settlement without blocking. Ids already waiting in the
// queue are accepted and dropped.
func (q *SettlementQueue) Enqueue(ctx context.Context, transactionID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.queued[transactionID]; ok {
		return nil
	}

	select {
	case q.jobs <- transactionID:
		q.queued[transactionID] = struct{}{}
		q.metrics.SetQueueBacklog(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Backlog is the number of jobs waiting for a worker.
func (q *SettlementQueue) Backlog() int {
	return len(q.jobs)
}

// Shutdown stops intake and waits for workers to drain the jobs already
// queued. If ctx expires first, workers finish their current job and the rest
// are left for the reconciler.
func (q *SettlementQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("settlement queue drained")
		return nil
	case <-ctx.Done():
		q.stopOnce.Do(func() { close(q.stop) })
		q.log.Warn().Int("abandoned", len(q.jobs)).Msg("settlement queue drain timed out")
		return ctx.Err()
	}
}

func (q *SettlementQueue) run(ctx context.Context, index int, settle SettleFunc) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case id, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(ctx, index, id, settle)
		}
	}
}

func (q *SettlementQueue) handle(ctx context.Context, index int, id int64, settle SettleFunc) {
	q.mu.Lock()
	delete(q.queued, id)
	q.mu.Unlock()
	q.metrics.SetQueueBacklog(len(q.jobs))

	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Int("worker", index).
				Int64("tx_id", id).
				Msg("settlement worker panic recovered")
		}
	}()

	if _, err := settle(ctx, id); err != nil {
		q.log.Error().Err(err).Int("worker", index).Int64("tx_id", id).Msg("settlement attempt could not be recorded")
	}
}
