package paymentbackend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"token-sale-settlement/internal/core/domain"
)

var eventTypes = map[string]domain.PaymentEventType{
	"payment_intent.succeeded":       domain.EventPaymentSucceeded,
	"payment_intent.payment_failed":  domain.EventPaymentFailed,
	"payment_intent.canceled":        domain.EventPaymentCanceled,
	"payment_intent.requires_action": domain.EventPaymentRequiresAction,
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string `json:"id"`
			Object           string `json:"object"`
			LastPaymentError *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
			CancellationReason string `json:"cancellation_reason"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook verifies header against the exact payload bytes and decodes
// the event. Header format: t=<unix>,v1=<hex>[,v1=<hex>...].
func (c *Client) ParseWebhook(payload []byte, header string) (*domain.PaymentEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return nil, err
	}

	age := c.now().Sub(time.Unix(ts, 0))
	if age > c.cfg.WebhookTolerance || age < -c.cfg.WebhookTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	signed := c.signer.BuildWebhookPayload(ts, payload)
	valid := false
	for _, sig := range sigs {
		if c.signer.Verify(c.cfg.WebhookSecret, signed, strings.ToLower(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	event := &domain.PaymentEvent{
		ID:              env.ID,
		ProviderType:    env.Type,
		Type:            domain.PaymentEventType(env.Type),
		PaymentIntentID: env.Data.Object.ID,
		CreatedAt:       time.Unix(env.Created, 0).UTC(),
	}

	mapped, known := eventTypes[env.Type]
	if !known {
		return event, nil
	}
	if env.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: %s without payment intent id", ErrMalformedEvent, env.Type)
	}
	event.Type = mapped

	switch mapped {
	case domain.EventPaymentFailed:
		event.FailureReason = "payment failed"
		if e := env.Data.Object.LastPaymentError; e != nil && e.Message != "" {
			event.FailureReason = e.Message
		}
	case domain.EventPaymentCanceled:
		event.FailureReason = "payment canceled"
	}

	return event, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if strings.TrimSpace(header) == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}

	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: header missing t or v1", ErrInvalidSignature)
	}
	return ts, sigs, nil
}
