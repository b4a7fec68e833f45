package handler

import (
	"errors"
	"time"

	"token-sale-settlement/internal/adapter/http/dto"
	"token-sale-settlement/internal/adapter/http/middleware"
	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/pkg/apperror"
	"token-sale-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PurchaseHandler handles buyer purchase intent endpoints.
type PurchaseHandler struct {
	intents ports.IntentService
}

// NewPurchaseHandler creates a new PurchaseHandler.
func NewPurchaseHandler(intents ports.IntentService) *PurchaseHandler {
	return &PurchaseHandler{intents: intents}
}

// Create handles POST /api/v1/purchase-intents.
func (h *PurchaseHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.CreatePurchaseIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	amount, err := decimal.NewFromString(req.USDAmount)
	if err != nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}

	result, err := h.intents.CreateIntent(c.Request.Context(), ports.CreateIntentRequest{
		UserID:        userID,
		TokenID:       req.TokenID,
		USDAmount:     amount,
		WalletAddress: req.WalletAddress,
		IPAddress:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Set(middleware.CtxAuditResourceID, result.Transaction.UUID.String())
	response.Created(c, toPurchaseIntentResponse(result.Transaction, result.ClientSecret))
}

// Get handles GET /api/v1/purchase-intents/:ref.
func (h *PurchaseHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	ref, err := uuid.Parse(c.Param("ref"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("purchase intent"))
		return
	}

	tx, err := h.intents.GetIntent(c.Request.Context(), userID, ref)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toPurchaseIntentResponse(tx, ""))
}

// bindError maps a malformed request body to a client error. Only structural
// failures reach here; everything else is left to the service.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "decimal_string" {
				return apperror.ErrInvalidAmount()
			}
		}
	}
	return apperror.Validation(err.Error())
}

func toPurchaseIntentResponse(tx *domain.Transaction, clientSecret string) dto.PurchaseIntentResponse {
	resp := dto.PurchaseIntentResponse{
		TransactionRef:    tx.UUID.String(),
		ExternalIntentRef: tx.PaymentIntentID,
		ClientSecret:      clientSecret,
		TokenID:           tx.TokenID,
		USDAmount:         tx.USDAmount.StringFixed(2),
		TokenAmount:       tx.TokenAmount,
		PricePerToken:     tx.PricePerToken.String(),
		WalletAddress:     tx.WalletAddress,
		PaymentStatus:     string(tx.PaymentStatus),
		FulfillmentStatus: string(tx.FulfillmentStatus),
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.SettlementSignature != nil {
		resp.SettlementTxHash = *tx.SettlementSignature
	}
	if tx.CompletedAt != nil {
		resp.CompletedAt = tx.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
