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

	"github.com/rs/zerolog"
)

// webhookMarkerTTL covers the payment backend's redelivery horizon. Older
// replays fall through to the event log.
const webhookMarkerTTL = 72 * time.Hour

// WebhookIngestorImpl implements ports.WebhookIngestor.
type WebhookIngestorImpl struct {
	payments  ports.PaymentBackend
	events    ports.WebhookEventRepository
	cache     ports.WebhookEventCache
	txRepo    ports.TransactionRepository
	queue     ports.SettlementQueue
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	markerTTL time.Duration
}

// NewWebhookIngestor creates a new WebhookIngestorImpl. cache may be nil.
func NewWebhookIngestor(
	payments ports.PaymentBackend,
	events ports.WebhookEventRepository,
	cache ports.WebhookEventCache,
	txRepo ports.TransactionRepository,
	queue ports.SettlementQueue,
	m *metrics.Metrics,
	log zerolog.Logger,
) *WebhookIngestorImpl {
	return &WebhookIngestorImpl{
		payments:  payments,
		events:    events,
		cache:     cache,
		txRepo:    txRepo,
		queue:     queue,
		metrics:   m,
		log:       log,
		now:       time.Now,
		markerTTL: webhookMarkerTTL,
	}
}

// Ingest verifies and applies one payment notification. Only a bad signature
// or an undecodable event produces an error; every other outcome is recorded
// in the event log and acknowledged.
func (s *WebhookIngestorImpl) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.payments.ParseWebhook(payload, signatureHeader)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook rejected")
		if errors.Is(err, domain.ErrMalformedWebhookEvent) {
			return apperror.ErrWebhookMalformed(err)
		}
		return apperror.ErrWebhookSignature(err)
	}

	log := s.log.With().
		Str("event_id", event.ID).
		Str("event_type", event.ProviderType).
		Str("payment_intent_id", event.PaymentIntentID).
		Logger()

	if s.cache != nil {
		seen, err := s.cache.IsProcessed(ctx, event.ID)
		if err != nil {
			log.Warn().Err(err).Msg("redis webhook check failed, falling through to DB")
		}
		if seen {
			log.Debug().Msg("webhook replay acknowledged from cache")
			s.metrics.IncWebhookEvent(event.ProviderType, "replay")
			return nil
		}
	}

	inserted, err := s.events.Insert(ctx, &domain.WebhookEvent{
		EventID:    event.ID,
		EventType:  event.ProviderType,
		Payload:    payload,
		Outcome:    domain.WebhookOutcomePending,
		ReceivedAt: s.now().UTC(),
	})
	if err != nil {
		// Handlers are guarded transitions, so applying the event without a
		// log row cannot double-apply it.
		log.Error().Err(err).Msg("webhook event not logged, processing anyway")
	}
	if err == nil && !inserted {
		existing, err := s.events.GetByEventID(ctx, event.ID)
		if err != nil {
			log.Error().Err(err).Msg("load logged webhook event")
		}
		if existing != nil && existing.IsProcessed() {
			log.Debug().Msg("webhook replay acknowledged")
			s.markProcessed(ctx, log, event.ID)
			s.metrics.IncWebhookEvent(event.ProviderType, "replay")
			return nil
		}
		log.Info().Msg("redelivered webhook event not yet successful, reprocessing")
	}

	txID, handleErr := s.dispatch(ctx, log, event)

	outcome := domain.WebhookOutcomeSuccess
	var errMsg *string
	if handleErr != nil {
		outcome = domain.WebhookOutcomeFailed
		msg := handleErr.Error()
		errMsg = &msg
		log.Error().Err(handleErr).Msg("webhook processing failed")
	}

	if err := s.events.RecordOutcome(ctx, event.ID, outcome, errMsg, txID); err != nil {
		log.Error().Err(err).Str("outcome", string(outcome)).Msg("webhook outcome not recorded")
	}
	if outcome == domain.WebhookOutcomeSuccess {
		s.markProcessed(ctx, log, event.ID)
	}
	s.metrics.IncWebhookEvent(event.ProviderType, string(outcome))

	return nil
}

func (s *WebhookIngestorImpl) dispatch(ctx context.Context, log zerolog.Logger, event *domain.PaymentEvent) (*int64, error) {
	switch event.Type {
	case domain.EventPaymentSucceeded:
		return s.handleSucceeded(ctx, log, event)
	case domain.EventPaymentFailed:
		reason := event.FailureReason
		return s.applyPaymentStatus(ctx, log, event, domain.PaymentStatusFailed, &reason,
			domain.PaymentStatusPending, domain.PaymentStatusRequiresAction, domain.PaymentStatusCanceled)
	case domain.EventPaymentCanceled:
		reason := "payment canceled"
		return s.applyPaymentStatus(ctx, log, event, domain.PaymentStatusCanceled, &reason,
			domain.PaymentStatusPending, domain.PaymentStatusRequiresAction)
	case domain.EventPaymentRequiresAction:
		return s.applyPaymentStatus(ctx, log, event, domain.PaymentStatusRequiresAction, nil,
			domain.PaymentStatusPending)
	default:
		log.Info().Msg("unhandled webhook event type")
		return nil, nil
	}
}

// handleSucceeded marks the payment succeeded and hands the transaction to the
// settlement queue. Both steps are guarded, so a replay only repeats the
// enqueue if the first delivery stopped between them.
func (s *WebhookIngestorImpl) handleSucceeded(ctx context.Context, log zerolog.Logger, event *domain.PaymentEvent) (*int64, error) {
	tx, err := s.lookup(ctx, log, event)
	if err != nil || tx == nil {
		return nil, err
	}
	txID := &tx.ID
	log = log.With().Int64("tx_id", tx.ID).Logger()

	paid, err := s.txRepo.UpdatePaymentStatus(ctx, tx.ID,
		[]domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusRequiresAction},
		domain.PaymentStatusSucceeded, nil)
	if err != nil {
		return txID, fmt.Errorf("mark payment succeeded: %w", err)
	}
	if paid {
		log.Info().Msg("payment succeeded")
	} else {
		log.Debug().Str("payment_status", string(tx.PaymentStatus)).Msg("payment status unchanged")
	}

	// Only moves when payment_status is succeeded in the ledger.
	moved, err := s.txRepo.TransitionFulfillment(ctx, tx.ID, domain.FulfillmentStatusPending, domain.FulfillmentStatusProcessing)
	if err != nil {
		return txID, fmt.Errorf("start fulfillment: %w", err)
	}
	if !moved {
		log.Debug().Msg("fulfillment already started or payment not succeeded")
		return txID, nil
	}

	if err := s.queue.Enqueue(ctx, tx.ID); err != nil {
		log.Warn().Err(err).Msg("settlement not enqueued, leaving it to the reconciler")
		return txID, nil
	}
	log.Info().Msg("settlement enqueued")
	return txID, nil
}

func (s *WebhookIngestorImpl) applyPaymentStatus(
	ctx context.Context,
	log zerolog.Logger,
	event *domain.PaymentEvent,
	to domain.PaymentStatus,
	reason *string,
	from ...domain.PaymentStatus,
) (*int64, error) {
	tx, err := s.lookup(ctx, log, event)
	if err != nil || tx == nil {
		return nil, err
	}

	ok, err := s.txRepo.UpdatePaymentStatus(ctx, tx.ID, from, to, reason)
	if err != nil {
		return &tx.ID, fmt.Errorf("mark payment %s: %w", to, err)
	}
	if ok {
		log.Info().Int64("tx_id", tx.ID).Str("payment_status", string(to)).Msg("payment status updated")
	} else {
		log.Debug().Int64("tx_id", tx.ID).
			Str("payment_status", string(tx.PaymentStatus)).
			Str("target", string(to)).
			Msg("payment status transition not applicable")
	}
	return &tx.ID, nil
}

func (s *WebhookIngestorImpl) lookup(ctx context.Context, log zerolog.Logger, event *domain.PaymentEvent) (*domain.Transaction, error) {
	tx, err := s.txRepo.GetByPaymentIntentID(ctx, event.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	if tx == nil {
		log.Info().Msg("no transaction for payment intent")
	}
	return tx, nil
}

func (s *WebhookIngestorImpl) markProcessed(ctx context.Context, log zerolog.Logger, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.MarkProcessed(ctx, eventID, s.markerTTL); err != nil {
		log.Warn().Err(err).Msg("failed to cache webhook event marker")
	}
}
