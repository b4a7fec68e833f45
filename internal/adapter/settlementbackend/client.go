package settlementbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"token-sale-settlement/config"
	"token-sale-settlement/internal/core/domain"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

const (
	transfersEndpoint = "/v1/transfers"
	balancesEndpoint  = "/v1/accounts/%s/balances"
)

// Client talks to the custodial signer that holds the treasury key.
type Client struct {
	cfg     config.SettlementConfig
	http    *http.Client
	backoff func() retry.Backoff
}

// NewClient builds a settlement backend client. Per-call deadlines come from
// the caller's context.
func NewClient(cfg config.SettlementConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
		},
	}
}

type transferRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	Network     string `json:"network"`
}

type transferResponse struct {
	Hash   string `json:"hash"`
	Ledger int64  `json:"ledger"`
	Status string `json:"status"`
}

type balancesResponse struct {
	Balances []struct {
		AssetCode   string `json:"asset_code"`
		AssetIssuer string `json:"asset_issuer"`
		Balance     string `json:"balance"`
	} `json:"balances"`
}

// Transfer submits one treasury payment and waits for the signer to report
// the transaction hash. Only a confirmed transfer yields a receipt. It is sent
// once; callers decide about retries.
func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferReceipt, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(transferRequest{
		Source:      c.cfg.TreasuryAccount,
		Destination: req.Destination,
		AssetCode:   req.AssetCode,
		AssetIssuer: req.AssetIssuer,
		Amount:      strconv.FormatInt(req.Amount, 10),
		Reference:   req.Reference,
		Network:     c.cfg.Network,
	}); err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, transfersEndpoint, &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding error: %w", err)
	}
	if out.Hash == "" {
		return nil, fmt.Errorf("decoding error: transfer response without hash")
	}
	switch out.Status {
	case domain.TransferStatusConfirmed:
		return &domain.TransferReceipt{Hash: out.Hash, Ledger: out.Ledger}, nil
	case domain.TransferStatusFailed:
		return nil, fmt.Errorf("%w: transfer %s failed on ledger", ErrRejected, out.Hash)
	default:
		return nil, fmt.Errorf("%w: transfer %s is %q", domain.ErrTransferUnconfirmed, out.Hash, out.Status)
	}
}

// LookupTransfer finds a transfer previously submitted with reference.
func (c *Client) LookupTransfer(ctx context.Context, reference string) (domain.TransferLookup, error) {
	path := transfersEndpoint + "?reference=" + url.QueryEscape(reference)

	var out transferResponse
	found, err := c.getJSON(ctx, path, &out)
	if err != nil {
		return domain.TransferLookup{}, fmt.Errorf("lookup transfer: %w", err)
	}
	if !found {
		return domain.TransferNotFound(), nil
	}
	return domain.TransferFound(out.Hash, out.Status), nil
}

// TreasuryBalance reports the treasury's holding of one asset. A missing
// account is NotFound; an account without the asset holds zero.
func (c *Client) TreasuryBalance(ctx context.Context, assetCode, assetIssuer string) (domain.BalanceLookup, error) {
	path := fmt.Sprintf(balancesEndpoint, url.PathEscape(c.cfg.TreasuryAccount))

	var out balancesResponse
	found, err := c.getJSON(ctx, path, &out)
	if err != nil {
		return domain.BalanceLookup{}, fmt.Errorf("treasury balance: %w", err)
	}
	if !found {
		return domain.BalanceNotFound(), nil
	}

	for _, b := range out.Balances {
		if b.AssetCode == assetCode && b.AssetIssuer == assetIssuer {
			bal, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return domain.BalanceLookup{}, fmt.Errorf("treasury balance: bad amount %q: %w", b.Balance, err)
			}
			return domain.BalanceFound(bal), nil
		}
	}
	return domain.BalanceFound(decimal.Zero), nil
}

// getJSON performs an idempotent GET with retries on transport and 5xx
// errors. A 404 reports found=false.
func (c *Client) getJSON(ctx context.Context, path string, dst any) (bool, error) {
	found := false
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return err
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(statusError(resp))
		case resp.StatusCode != http.StatusOK:
			return statusError(resp)
		}

		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("decoding error: %w", err)
		}
		found = true
		return nil
	})
	return found, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", MapStatusToError(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(msg)))
}
