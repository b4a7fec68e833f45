package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTreasury = "GBTPVH45GGDLTQJ2M2YAJ7ELWXZTLHCN5MLRS4TGRFP3RU6GPQ5ROZN7"
	testBuyer    = "GAWWN5DMKEWZGKEUMXQ2XMOO4GWBD2AVMEC5WPHPTJCMGXD7Z6LZ6WRB"
	testBuyer2   = "GCOR6LXVXQHEBIDXHHU72II4F3KULMH2AN6VPA47JGFHRX5I4V6GKTQQ"
	testIssuer   = "GBJVY34OWUI7LWLGUGYHEXPZF27SOUKPVOUULS55NGHCHLDSYQLVODR6"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func assertAppError(t *testing.T, err error, expectedCode string) *apperror.AppError {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, expectedCode, appErr.Code)
	return appErr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSaleToken() *domain.Token {
	return &domain.Token{
		ID:             1,
		Symbol:         "SALE",
		Name:           "Sale Token",
		AssetCode:      "SALE",
		AssetIssuer:    testIssuer,
		PricePerToken:  dec("0.50"),
		MinPurchase:    dec("10"),
		MaxPurchase:    dec("5000"),
		MinTokenAmount: 1,
		MaxTokenAmount: 100000,
		DailyLimit:     dec("5000"),
		IsActive:       true,
	}
}

// memLedger is an in-memory ledger with the same guarded-update semantics as
// the postgres repositories.
type memLedger struct {
	mu     sync.Mutex
	nextID int64
	txs    map[int64]*domain.Transaction
	tokens map[int64]*domain.Token
	events map[string]*domain.WebhookEvent
	now    func() time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{
		txs:    make(map[int64]*domain.Transaction),
		tokens: make(map[int64]*domain.Token),
		events: make(map[string]*domain.WebhookEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *memLedger) Create(_ context.Context, t *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.txs {
		if existing.PaymentIntentID == t.PaymentIntentID {
			return errors.New("duplicate payment_intent_id")
		}
	}
	l.nextID++
	t.ID = l.nextID
	cp := *t
	l.txs[t.ID] = &cp
	return nil
}

func (l *memLedger) GetByID(_ context.Context, id int64) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyTx(l.txs[id]), nil
}

func (l *memLedger) GetByUUID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.UUID == id {
			return l.copyTx(t), nil
		}
	}
	return nil, nil
}

func (l *memLedger) GetByPaymentIntentID(_ context.Context, intentID string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.PaymentIntentID == intentID {
			return l.copyTx(t), nil
		}
	}
	return nil, nil
}

func (l *memLedger) SumDailySpend(_ context.Context, userID, tokenID int64, from, to time.Time) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, t := range l.txs {
		if t.UserID != userID || t.TokenID != tokenID {
			continue
		}
		if t.PaymentStatus != domain.PaymentStatusPending && t.PaymentStatus != domain.PaymentStatusSucceeded {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		total = total.Add(t.USDAmount)
	}
	return total, nil
}

func (l *memLedger) UpdatePaymentStatus(_ context.Context, id int64, from []domain.PaymentStatus, to domain.PaymentStatus, reason *string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if t.PaymentStatus == s {
			t.PaymentStatus = to
			if reason != nil {
				r := *reason
				t.ErrorMessage = &r
			}
			t.UpdatedAt = l.now()
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) TransitionFulfillment(_ context.Context, id int64, from, to domain.FulfillmentStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok || t.FulfillmentStatus != from || t.SettlementSignature != nil {
		return false, nil
	}
	if to == domain.FulfillmentStatusProcessing && t.PaymentStatus != domain.PaymentStatusSucceeded {
		return false, nil
	}
	t.FulfillmentStatus = to
	t.SettlementClaimedAt = nil
	t.UpdatedAt = l.now()
	return true, nil
}

func (l *memLedger) ClaimSettlement(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok || t.FulfillmentStatus != domain.FulfillmentStatusProcessing ||
		t.SettlementClaimedAt != nil || t.SettlementSignature != nil {
		return false, nil
	}
	now := l.now()
	t.SettlementClaimedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (l *memLedger) CompleteSettlement(_ context.Context, id int64, signature string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok || t.FulfillmentStatus != domain.FulfillmentStatusProcessing || t.SettlementSignature != nil {
		return false, nil
	}
	now := l.now()
	sig := signature
	t.FulfillmentStatus = domain.FulfillmentStatusCompleted
	t.SettlementSignature = &sig
	t.CompletedAt = &now
	t.FulfilledAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (l *memLedger) FailSettlement(_ context.Context, id int64, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[id]
	if !ok || t.FulfillmentStatus != domain.FulfillmentStatusProcessing {
		return false, nil
	}
	r := reason
	if t.ErrorMessage != nil {
		r = *t.ErrorMessage + "\n" + reason
	}
	t.FulfillmentStatus = domain.FulfillmentStatusFailed
	t.ErrorMessage = &r
	t.RetryCount++
	t.SettlementClaimedAt = nil
	t.UpdatedAt = l.now()
	return true, nil
}

func (l *memLedger) List(_ context.Context, f domain.TransactionListFilter) ([]domain.Transaction, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []domain.Transaction
	for _, t := range l.txs {
		if f.FulfillmentStatus != nil && t.FulfillmentStatus != *f.FulfillmentStatus {
			continue
		}
		if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		if f.Claimed != nil && (t.SettlementClaimedAt != nil) != *f.Claimed {
			continue
		}
		if f.MaxRetryCount != nil && t.RetryCount >= *f.MaxRetryCount {
			continue
		}
		matched = append(matched, *l.copyTx(t))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	total := int64(len(matched))
	start := (page - 1) * size
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (l *memLedger) copyTx(t *domain.Transaction) *domain.Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// set mutates a stored row directly, for arranging test state.
func (l *memLedger) set(id int64, fn func(t *domain.Transaction)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.txs[id])
}

// tokenStore and eventStore give memLedger's other repositories their own
// method sets, since GetByID collides.
type tokenStore struct{ l *memLedger }

func (s tokenStore) GetByID(_ context.Context, id int64) (*domain.Token, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	t, ok := s.l.tokens[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s tokenStore) Upsert(_ context.Context, token *domain.Token) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	for id, t := range s.l.tokens {
		if t.Symbol == token.Symbol {
			token.ID = id
			cp := *token
			s.l.tokens[id] = &cp
			return nil
		}
	}
	if token.ID == 0 {
		token.ID = int64(len(s.l.tokens) + 1)
	}
	cp := *token
	s.l.tokens[token.ID] = &cp
	return nil
}

type eventStore struct{ l *memLedger }

func (s eventStore) Insert(_ context.Context, e *domain.WebhookEvent) (bool, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.events[e.EventID]; ok {
		return false, nil
	}
	e.ID = int64(len(s.l.events) + 1)
	cp := *e
	s.l.events[e.EventID] = &cp
	return true, nil
}

func (s eventStore) GetByEventID(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	e, ok := s.l.events[eventID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s eventStore) RecordOutcome(_ context.Context, eventID string, outcome domain.WebhookOutcome, errMsg *string, txID *int64) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	e, ok := s.l.events[eventID]
	if !ok {
		return nil
	}
	now := s.l.now()
	e.Outcome = outcome
	e.ErrorMessage = errMsg
	if txID != nil {
		id := *txID
		e.TransactionID = &id
	}
	e.ProcessedAt = &now
	return nil
}

func (s eventStore) count() int {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	return len(s.l.events)
}

// fakePayments stands in for the card processor. Webhook payloads are JSON
// testEvent values and the only valid signature header is "valid".
type fakePayments struct {
	mu      sync.Mutex
	intents []ports.CreateIntentParams
	err     error
}

type testEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
}

func (f *fakePayments) CreateIntent(_ context.Context, params ports.CreateIntentParams) (*ports.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.intents = append(f.intents, params)
	id := fmt.Sprintf("pi_%d", len(f.intents))
	return &ports.PaymentIntent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (f *fakePayments) ParseWebhook(payload []byte, header string) (*domain.PaymentEvent, error) {
	if header != "valid" {
		return nil, domain.ErrInvalidWebhookSignature
	}
	var ev testEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedWebhookEvent, err)
	}
	return &domain.PaymentEvent{
		ID:              ev.ID,
		Type:            domain.PaymentEventType(ev.Type),
		ProviderType:    ev.Type,
		PaymentIntentID: ev.IntentID,
		FailureReason:   ev.Reason,
	}, nil
}

func (f *fakePayments) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

func eventPayload(t *testing.T, ev testEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

// fakeSettlement is a custodial signer that remembers transfers by reference.
type fakeSettlement struct {
	mu             sync.Mutex
	transfers      []domain.TransferRequest
	byRef          map[string]string
	balance        decimal.Decimal
	accountMissing bool
	transferFn     func(ctx context.Context, req domain.TransferRequest) (*domain.TransferReceipt, error)
}

func newFakeSettlement() *fakeSettlement {
	return &fakeSettlement{byRef: make(map[string]string), balance: dec("1000000")}
}

func (f *fakeSettlement) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferReceipt, error) {
	f.mu.Lock()
	fn := f.transferFn
	f.transfers = append(f.transfers, req)
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	hash := fmt.Sprintf("hash-%d", len(f.transfers))
	f.byRef[req.Reference] = hash
	return &domain.TransferReceipt{Hash: hash, Ledger: 100}, nil
}

func (f *fakeSettlement) LookupTransfer(_ context.Context, reference string) (domain.TransferLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hash, ok := f.byRef[reference]; ok {
		return domain.TransferFound(hash, domain.TransferStatusConfirmed), nil
	}
	return domain.TransferNotFound(), nil
}

func (f *fakeSettlement) TreasuryBalance(_ context.Context, _, _ string) (domain.BalanceLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountMissing {
		return domain.BalanceNotFound(), nil
	}
	return domain.BalanceFound(f.balance), nil
}

func (f *fakeSettlement) setTransferFn(fn func(ctx context.Context, req domain.TransferRequest) (*domain.TransferReceipt, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferFn = fn
}

// markLanded records a transfer under reference as if it had been confirmed
// on the ledger.
func (f *fakeSettlement) markLanded(reference, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRef[reference] = hash
}

func (f *fakeSettlement) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func (f *fakeSettlement) transfer(i int) domain.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers[i]
}

func strPtr(s string) *string { return &s }
