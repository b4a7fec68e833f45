package service

import (
	"context"
	"fmt"

	"token-sale-settlement/config"
	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SeedTokens upserts the configured sale tokens by symbol. Prices changed in
// config apply to new purchases only; existing transactions keep the price
// they were created with.
func SeedTokens(ctx context.Context, repo ports.TokenRepository, tokens []config.TokenConfig, log zerolog.Logger) ([]domain.Token, error) {
	seeded := make([]domain.Token, 0, len(tokens))
	for _, tc := range tokens {
		token, err := tokenFromConfig(tc)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", tc.Symbol, err)
		}
		if err := repo.Upsert(ctx, token); err != nil {
			return nil, fmt.Errorf("upsert token %s: %w", tc.Symbol, err)
		}
		log.Info().
			Int64("token_id", token.ID).
			Str("symbol", token.Symbol).
			Str("price_per_token", token.PricePerToken.String()).
			Bool("active", token.IsActive).
			Msg("token configured")
		seeded = append(seeded, *token)
	}
	return seeded, nil
}

func tokenFromConfig(tc config.TokenConfig) (*domain.Token, error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	}

	price, err := parse("price_per_token", tc.PricePerToken)
	if err != nil {
		return nil, err
	}
	minPurchase, err := parse("min_purchase", tc.MinPurchase)
	if err != nil {
		return nil, err
	}
	maxPurchase, err := parse("max_purchase", tc.MaxPurchase)
	if err != nil {
		return nil, err
	}
	dailyLimit, err := parse("daily_limit", tc.DailyLimit)
	if err != nil {
		return nil, err
	}

	return &domain.Token{
		Symbol:         tc.Symbol,
		Name:           tc.Name,
		AssetCode:      tc.AssetCode,
		AssetIssuer:    tc.AssetIssuer,
		PricePerToken:  price,
		MinPurchase:    minPurchase,
		MaxPurchase:    maxPurchase,
		MinTokenAmount: tc.MinTokenAmount,
		MaxTokenAmount: tc.MaxTokenAmount,
		DailyLimit:     dailyLimit,
		IsActive:       tc.Active,
	}, nil
}
