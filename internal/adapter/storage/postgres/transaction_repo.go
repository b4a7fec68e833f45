package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"token-sale-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, uuid, user_id, token_id, usd_amount, token_amount, price_per_token,
		payment_intent_id, wallet_address, payment_status, fulfillment_status, settlement_signature,
		settlement_claimed_at, retry_count, error_message, ip_address, user_agent,
		created_at, updated_at, completed_at, fulfilled_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
	now  func() time.Time
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool, now: time.Now}
}

// Create inserts a new transaction and sets its generated id.
func (r *TransactionRepo) Create(ctx context.Context, t *domain.Transaction) error {
	query := `INSERT INTO transactions (uuid, user_id, token_id, usd_amount, token_amount, price_per_token,
		payment_intent_id, wallet_address, payment_status, fulfillment_status, retry_count,
		ip_address, user_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		t.UUID, t.UserID, t.TokenID, t.USDAmount, t.TokenAmount, t.PricePerToken,
		t.PaymentIntentID, t.WalletAddress, t.PaymentStatus, t.FulfillmentStatus, t.RetryCount,
		t.IPAddress, t.UserAgent, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by internal id.
func (r *TransactionRepo) GetByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByUUID fetches a transaction by its external reference.
func (r *TransactionRepo) GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE uuid = $1`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByPaymentIntentID fetches the transaction created for a payment intent.
func (r *TransactionRepo) GetByPaymentIntentID(ctx context.Context, intentID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE payment_intent_id = $1`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, intentID))
}

// SumDailySpend totals the USD amount of live purchases in [from, to).
func (r *TransactionRepo) SumDailySpend(ctx context.Context, userID, tokenID int64, from, to time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(usd_amount), 0) FROM transactions
		WHERE user_id = $1 AND token_id = $2
		AND payment_status IN ('pending', 'succeeded')
		AND created_at >= $3 AND created_at < $4`

	var total decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, userID, tokenID, from, to).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum daily spend: %w", err)
	}
	return total, nil
}

// UpdatePaymentStatus moves payment_status to `to` if it is currently one of `from`.
func (r *TransactionRepo) UpdatePaymentStatus(ctx context.Context, id int64, from []domain.PaymentStatus, to domain.PaymentStatus, reason *string) (bool, error) {
	query := `UPDATE transactions SET payment_status = $1, error_message = COALESCE($2, error_message), updated_at = $3
		WHERE id = $4 AND payment_status = ANY($5)`

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, query, to, reason, r.now(), id, expected)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionFulfillment moves fulfillment_status from `from` to `to`.
// Moving into processing additionally requires a succeeded payment and no
// recorded settlement signature.
func (r *TransactionRepo) TransitionFulfillment(ctx context.Context, id int64, from, to domain.FulfillmentStatus) (bool, error) {
	query := `UPDATE transactions SET fulfillment_status = $1, settlement_claimed_at = NULL, updated_at = $2
		WHERE id = $3 AND fulfillment_status = $4 AND settlement_signature IS NULL`
	if to == domain.FulfillmentStatusProcessing {
		query += ` AND payment_status = 'succeeded'`
	}

	tag, err := r.pool.Exec(ctx, query, to, r.now(), id, from)
	if err != nil {
		return false, fmt.Errorf("transition fulfillment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimSettlement marks a processing row as owned by the calling worker.
// Exactly one concurrent caller observes true.
func (r *TransactionRepo) ClaimSettlement(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE transactions SET settlement_claimed_at = $1, updated_at = $1
		WHERE id = $2 AND fulfillment_status = 'processing'
		AND settlement_claimed_at IS NULL AND settlement_signature IS NULL`

	tag, err := r.pool.Exec(ctx, query, r.now(), id)
	if err != nil {
		return false, fmt.Errorf("claim settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteSettlement records a confirmed transfer. Only a processing row can
// complete. Reasons from earlier failed attempts stay in error_message.
func (r *TransactionRepo) CompleteSettlement(ctx context.Context, id int64, signature string) (bool, error) {
	query := `UPDATE transactions SET fulfillment_status = 'completed', settlement_signature = $1,
		completed_at = $2, fulfilled_at = $2, updated_at = $2
		WHERE id = $3 AND fulfillment_status = 'processing' AND settlement_signature IS NULL`

	tag, err := r.pool.Exec(ctx, query, signature, r.now(), id)
	if err != nil {
		return false, fmt.Errorf("complete settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailSettlement records a failed attempt and releases the claim. The reason
// is appended to error_message on its own line.
func (r *TransactionRepo) FailSettlement(ctx context.Context, id int64, reason string) (bool, error) {
	query := `UPDATE transactions SET fulfillment_status = 'failed',
		error_message = COALESCE(error_message || E'\n', '') || $1,
		retry_count = retry_count + 1, settlement_claimed_at = NULL, updated_at = $2
		WHERE id = $3 AND fulfillment_status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, reason, r.now(), id)
	if err != nil {
		return false, fmt.Errorf("fail settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// List fetches transactions with filtering and pagination, oldest update first.
func (r *TransactionRepo) List(ctx context.Context, f domain.TransactionListFilter) ([]domain.Transaction, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.FulfillmentStatus != nil {
		conditions = append(conditions, fmt.Sprintf("fulfillment_status = $%d", argIdx))
		args = append(args, *f.FulfillmentStatus)
		argIdx++
	}
	if f.UpdatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIdx))
		args = append(args, *f.UpdatedBefore)
		argIdx++
	}
	if f.Claimed != nil {
		if *f.Claimed {
			conditions = append(conditions, "settlement_claimed_at IS NOT NULL")
		} else {
			conditions = append(conditions, "settlement_claimed_at IS NULL")
		}
	}
	if f.MaxRetryCount != nil {
		conditions = append(conditions, fmt.Sprintf("retry_count < $%d", argIdx))
		args = append(args, *f.MaxRetryCount)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM transactions %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	dataQuery := fmt.Sprintf(`SELECT %s FROM transactions %s ORDER BY updated_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, argIdx, argIdx+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction row: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, total, nil
}

// scanTransaction is a helper to scan a single row into a Transaction.
func (r *TransactionRepo) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t, err := scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}

func scanRow(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(
		&t.ID, &t.UUID, &t.UserID, &t.TokenID, &t.USDAmount, &t.TokenAmount, &t.PricePerToken,
		&t.PaymentIntentID, &t.WalletAddress, &t.PaymentStatus, &t.FulfillmentStatus, &t.SettlementSignature,
		&t.SettlementClaimedAt, &t.RetryCount, &t.ErrorMessage, &t.IPAddress, &t.UserAgent,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.FulfilledAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
