package handler

import (
	"math"
	"strconv"
	"time"

	"token-sale-settlement/internal/adapter/http/dto"
	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/pkg/apperror"
	"token-sale-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SettlementHandler serves the operator settlement endpoints.
type SettlementHandler struct {
	settlement ports.SettlementService
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(settlement ports.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlement: settlement}
}

// Retry handles POST /api/v1/settlement/retry/:ref.
func (h *SettlementHandler) Retry(c *gin.Context) {
	ref, err := uuid.Parse(c.Param("ref"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("transaction"))
		return
	}

	tx, err := h.settlement.Retry(c.Request.Context(), ref)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toTransactionResponse(tx))
}

// ListTransactions handles GET /api/v1/settlement/transactions.
func (h *SettlementHandler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filter := domain.TransactionListFilter{
		Page:     page,
		PageSize: pageSize,
	}
	if s := c.Query("fulfillment_status"); s != "" {
		status := domain.FulfillmentStatus(s)
		filter.FulfillmentStatus = &status
	}

	txns, total, err := h.settlement.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.TransactionResponse, 0, len(txns))
	for i := range txns {
		items = append(items, toTransactionResponse(&txns[i]))
	}

	totalPages := int(math.Ceil(float64(total) / float64(pageSize)))

	response.OK(c, dto.TransactionListResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// toTransactionResponse converts domain.Transaction to DTO.
func toTransactionResponse(tx *domain.Transaction) dto.TransactionResponse {
	resp := dto.TransactionResponse{
		ID:                tx.ID,
		TransactionRef:    tx.UUID.String(),
		UserID:            tx.UserID,
		TokenID:           tx.TokenID,
		USDAmount:         tx.USDAmount.StringFixed(2),
		TokenAmount:       tx.TokenAmount,
		PricePerToken:     tx.PricePerToken.String(),
		ExternalIntentRef: tx.PaymentIntentID,
		WalletAddress:     tx.WalletAddress,
		PaymentStatus:     string(tx.PaymentStatus),
		FulfillmentStatus: string(tx.FulfillmentStatus),
		SettlementTxHash:  tx.SettlementSignature,
		RetryCount:        tx.RetryCount,
		ErrorMessage:      tx.ErrorMessage,
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         tx.UpdatedAt.Format(time.RFC3339),
	}
	if tx.CompletedAt != nil {
		s := tx.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}
