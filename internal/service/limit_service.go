package service

import (
	"context"
	"fmt"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/pkg/apperror"

	"github.com/shopspring/decimal"
)

// SpendingLimitService implements ports.SpendingLimitGuard.
// The daily window is the calendar day in the sale's timezone.
type SpendingLimitService struct {
	tokenRepo ports.TokenRepository
	txRepo    ports.TransactionRepository
	loc       *time.Location
	now       func() time.Time
}

// NewSpendingLimitService creates a new SpendingLimitService. A nil loc means UTC.
func NewSpendingLimitService(tokenRepo ports.TokenRepository, txRepo ports.TransactionRepository, loc *time.Location) *SpendingLimitService {
	if loc == nil {
		loc = time.UTC
	}
	return &SpendingLimitService{
		tokenRepo: tokenRepo,
		txRepo:    txRepo,
		loc:       loc,
		now:       time.Now,
	}
}

// CheckLimit reports how amount would sit against the user's remaining daily
// allowance for tokenID. It never writes.
func (s *SpendingLimitService) CheckLimit(ctx context.Context, userID, tokenID int64, amount decimal.Decimal) (*domain.LimitCheck, error) {
	token, err := s.tokenRepo.GetByID(ctx, tokenID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get token: %w", err))
	}
	if token == nil {
		return nil, apperror.ErrNotFound("token")
	}
	return s.check(ctx, userID, token, amount)
}

func (s *SpendingLimitService) check(ctx context.Context, userID int64, token *domain.Token, amount decimal.Decimal) (*domain.LimitCheck, error) {
	from, to := dayWindow(s.now(), s.loc)

	current, err := s.txRepo.SumDailySpend(ctx, userID, token.ID, from, to)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("sum daily spend: %w", err))
	}

	remaining := token.DailyLimit.Sub(current)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return &domain.LimitCheck{
		CurrentSpend: current,
		Limit:        token.DailyLimit,
		Remaining:    remaining,
		WouldExceed:  current.Add(amount).GreaterThan(token.DailyLimit),
	}, nil
}

// dayWindow returns [midnight, next midnight) around t in loc, in UTC.
func dayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}
