package postgres

import (
	"context"
	"testing"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenColumns() []string {
	return []string{"id", "symbol", "name", "asset_code", "asset_issuer", "price_per_token",
		"min_purchase", "max_purchase", "min_token_amount", "max_token_amount", "daily_limit",
		"is_active", "created_at", "updated_at"}
}

func newTestToken() *domain.Token {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Token{
		ID:             1,
		Symbol:         "SALE",
		Name:           "Sale Token",
		AssetCode:      "SALE",
		AssetIssuer:    "GBJVY34OWUI7LWLGUGYHEXPZF27SOUKPVOUULS55NGHCHLDSYQLVODR6",
		PricePerToken:  decimal.RequireFromString("0.50"),
		MinPurchase:    decimal.NewFromInt(10),
		MaxPurchase:    decimal.NewFromInt(5000),
		MinTokenAmount: 20,
		MaxTokenAmount: 10000,
		DailyLimit:     decimal.NewFromInt(5000),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestTokenRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTokenRepo(mock)
	tok := newTestToken()

	mock.ExpectQuery("SELECT .+ FROM tokens WHERE id").
		WithArgs(tok.ID).
		WillReturnRows(pgxmock.NewRows(tokenColumns()).AddRow(
			tok.ID, tok.Symbol, tok.Name, tok.AssetCode, tok.AssetIssuer, tok.PricePerToken,
			tok.MinPurchase, tok.MaxPurchase, tok.MinTokenAmount, tok.MaxTokenAmount, tok.DailyLimit,
			tok.IsActive, tok.CreatedAt, tok.UpdatedAt,
		))

	result, err := repo.GetByID(context.Background(), tok.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "SALE", result.Symbol)
	assert.True(t, tok.PricePerToken.Equal(result.PricePerToken))
	assert.True(t, result.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTokenRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM tokens WHERE id").
		WithArgs(int64(404)).
		WillReturnRows(pgxmock.NewRows(tokenColumns()))

	result, err := repo.GetByID(context.Background(), 404)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestTokenRepo_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTokenRepo(mock)
	tok := newTestToken()
	tok.ID = 0
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("INSERT INTO tokens .+ ON CONFLICT \\(symbol\\) DO UPDATE").
		WithArgs(
			tok.Symbol, tok.Name, tok.AssetCode, tok.AssetIssuer, tok.PricePerToken,
			tok.MinPurchase, tok.MaxPurchase, tok.MinTokenAmount, tok.MaxTokenAmount, tok.DailyLimit,
			tok.IsActive, pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), now, now))

	err = repo.Upsert(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tok.ID)
	assert.Equal(t, now, tok.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
