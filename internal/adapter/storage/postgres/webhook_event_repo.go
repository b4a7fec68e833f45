package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// WebhookEventRepo implements ports.WebhookEventRepository.
type WebhookEventRepo struct {
	pool Pool
	now  func() time.Time
}

// NewWebhookEventRepo creates a new WebhookEventRepo.
func NewWebhookEventRepo(pool Pool) *WebhookEventRepo {
	return &WebhookEventRepo{pool: pool, now: time.Now}
}

// Insert logs an inbound event. A duplicate event id leaves the existing row
// untouched and reports false.
func (r *WebhookEventRepo) Insert(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	query := `INSERT INTO webhook_events (event_id, event_type, payload, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`

	err := r.pool.QueryRow(ctx, query, e.EventID, e.EventType, e.Payload, e.Outcome, e.ReceivedAt).Scan(&e.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

// GetByEventID fetches a logged event by the provider's event id.
func (r *WebhookEventRepo) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	query := `SELECT id, event_id, event_type, payload, outcome, error_message, transaction_id, received_at, processed_at
		FROM webhook_events WHERE event_id = $1`

	e := &domain.WebhookEvent{}
	err := r.pool.QueryRow(ctx, query, eventID).Scan(
		&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.Outcome,
		&e.ErrorMessage, &e.TransactionID, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// RecordOutcome stores the processing result of an event.
func (r *WebhookEventRepo) RecordOutcome(ctx context.Context, eventID string, outcome domain.WebhookOutcome, errMsg *string, transactionID *int64) error {
	query := `UPDATE webhook_events SET outcome = $1, error_message = $2,
		transaction_id = COALESCE($3, transaction_id), processed_at = $4
		WHERE event_id = $5`

	if _, err := r.pool.Exec(ctx, query, outcome, errMsg, transactionID, r.now(), eventID); err != nil {
		return fmt.Errorf("record webhook outcome: %w", err)
	}
	return nil
}
