package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// TokenRepo implements ports.TokenRepository.
type TokenRepo struct {
	pool Pool
}

// NewTokenRepo creates a new TokenRepo.
func NewTokenRepo(pool Pool) *TokenRepo {
	return &TokenRepo{pool: pool}
}

// GetByID fetches a token by id.
func (r *TokenRepo) GetByID(ctx context.Context, id int64) (*domain.Token, error) {
	query := `SELECT id, symbol, name, asset_code, asset_issuer, price_per_token,
		min_purchase, max_purchase, min_token_amount, max_token_amount, daily_limit,
		is_active, created_at, updated_at
		FROM tokens WHERE id = $1`

	t := &domain.Token{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Symbol, &t.Name, &t.AssetCode, &t.AssetIssuer, &t.PricePerToken,
		&t.MinPurchase, &t.MaxPurchase, &t.MinTokenAmount, &t.MaxTokenAmount, &t.DailyLimit,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// Upsert inserts a token or refreshes the catalog entry with the same symbol.
func (r *TokenRepo) Upsert(ctx context.Context, t *domain.Token) error {
	query := `INSERT INTO tokens (symbol, name, asset_code, asset_issuer, price_per_token,
		min_purchase, max_purchase, min_token_amount, max_token_amount, daily_limit,
		is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name, asset_code = EXCLUDED.asset_code, asset_issuer = EXCLUDED.asset_issuer,
			price_per_token = EXCLUDED.price_per_token, min_purchase = EXCLUDED.min_purchase,
			max_purchase = EXCLUDED.max_purchase, min_token_amount = EXCLUDED.min_token_amount,
			max_token_amount = EXCLUDED.max_token_amount, daily_limit = EXCLUDED.daily_limit,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query,
		t.Symbol, t.Name, t.AssetCode, t.AssetIssuer, t.PricePerToken,
		t.MinPurchase, t.MaxPurchase, t.MinTokenAmount, t.MaxTokenAmount, t.DailyLimit,
		t.IsActive, now,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.Symbol, err)
	}
	return nil
}
