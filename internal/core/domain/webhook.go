package domain

import (
	"errors"
	"time"
)

// Errors a payment backend returns from webhook parsing. Anything else is
// treated as a signature failure.
var (
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrMalformedWebhookEvent   = errors.New("malformed webhook event")
)

// PaymentEventType is the provider-neutral type of an inbound payment notification.
type PaymentEventType string

const (
	EventPaymentSucceeded      PaymentEventType = "payment_succeeded"
	EventPaymentFailed         PaymentEventType = "payment_failed"
	EventPaymentCanceled       PaymentEventType = "payment_canceled"
	EventPaymentRequiresAction PaymentEventType = "payment_requires_action"
)

// WebhookOutcome is the processing result recorded for an inbound event.
type WebhookOutcome string

const (
	WebhookOutcomePending WebhookOutcome = "pending"
	WebhookOutcomeSuccess WebhookOutcome = "success"
	WebhookOutcomeFailed  WebhookOutcome = "failed"
)

// PaymentEvent is a verified, decoded notification from the payment backend.
type PaymentEvent struct {
	ID              string
	Type            PaymentEventType
	ProviderType    string // raw type as sent by the provider
	PaymentIntentID string
	FailureReason   string
	CreatedAt       time.Time
}

// WebhookEvent is the append-only log row for one inbound notification.
// Only Outcome, ErrorMessage, TransactionID and ProcessedAt are written after insert.
type WebhookEvent struct {
	ID            int64          `json:"id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Payload       []byte         `json:"-"`
	Outcome       WebhookOutcome `json:"outcome"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	TransactionID *int64         `json:"transaction_id,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

// IsProcessed reports whether the event already completed successfully.
func (e *WebhookEvent) IsProcessed() bool {
	return e.Outcome == WebhookOutcomeSuccess
}
