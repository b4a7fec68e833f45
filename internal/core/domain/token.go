package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is a token on sale together with its price and purchase bounds.
// Money bounds are in USD.
type Token struct {
	ID             int64           `json:"id"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	AssetCode      string          `json:"asset_code"`
	AssetIssuer    string          `json:"asset_issuer"`
	PricePerToken  decimal.Decimal `json:"price_per_token"`
	MinPurchase    decimal.Decimal `json:"min_purchase"`
	MaxPurchase    decimal.Decimal `json:"max_purchase"`
	MinTokenAmount int64           `json:"min_token_amount"`
	MaxTokenAmount int64           `json:"max_token_amount"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TokenAmountFor returns how many whole tokens usd buys at the current price.
// The result is floored so a buyer never receives more than they paid for.
func (t *Token) TokenAmountFor(usd decimal.Decimal) int64 {
	if !t.PricePerToken.IsPositive() {
		return 0
	}
	return usd.Div(t.PricePerToken).Floor().IntPart()
}

// PurchaseInBounds reports whether usd is inside [MinPurchase, MaxPurchase].
func (t *Token) PurchaseInBounds(usd decimal.Decimal) bool {
	return usd.GreaterThanOrEqual(t.MinPurchase) && usd.LessThanOrEqual(t.MaxPurchase)
}

// TokenAmountInBounds reports whether n is inside [MinTokenAmount, MaxTokenAmount].
func (t *Token) TokenAmountInBounds(n int64) bool {
	return n >= t.MinTokenAmount && n <= t.MaxTokenAmount
}

// LimitCheck is the outcome of a daily spending limit evaluation.
type LimitCheck struct {
	CurrentSpend decimal.Decimal `json:"current_spend"`
	Limit        decimal.Decimal `json:"limit"`
	Remaining    decimal.Decimal `json:"remaining"`
	WouldExceed  bool            `json:"would_exceed"`
}
