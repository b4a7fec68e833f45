package paymentbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"token-sale-settlement/config"
	"token-sale-settlement/internal/core/ports"
)

const createIntentEndpoint = "/v1/payment_intents"

// Client talks to a Stripe-compatible payment intents API.
type Client struct {
	cfg    config.PaymentConfig
	signer ports.SignatureService
	http   *http.Client
	now    func() time.Time
}

// NewClient builds a payment backend client. A nil httpClient gets one bounded
// by cfg.Timeout.
func NewClient(cfg config.PaymentConfig, signer ports.SignatureService, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	return &Client{cfg: cfg, signer: signer, http: httpClient, now: time.Now}
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent creates one payment intent for params.Amount USD.
// The transaction reference doubles as the provider idempotency key.
func (c *Client) CreateIntent(ctx context.Context, params ports.CreateIntentParams) (*ports.PaymentIntent, error) {
	cents := params.Amount.Shift(2).Round(0).IntPart()
	if cents <= 0 {
		return nil, fmt.Errorf("create payment intent: non-positive amount %s", params.Amount)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(cents, 10))
	form.Set("currency", c.cfg.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[transaction_ref]", params.Reference.String())
	form.Set("metadata[user_id]", strconv.FormatInt(params.UserID, 10))
	form.Set("metadata[token_id]", strconv.FormatInt(params.TokenID, 10))
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+createIntentEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build payment intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Idempotency-Key", params.Reference.String())

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, MapStatusToError(resp.StatusCode, body)
	}

	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding payment intent: %w", err)
	}
	if out.ID == "" || out.ClientSecret == "" {
		return nil, fmt.Errorf("decoding payment intent: missing id or client secret")
	}

	return &ports.PaymentIntent{ID: out.ID, ClientSecret: out.ClientSecret, Status: out.Status}, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
