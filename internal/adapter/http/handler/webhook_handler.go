package handler

import (
	"token-sale-settlement/internal/adapter/http/dto"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/pkg/apperror"
	"token-sale-settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderPaymentSignature carries the payment backend's notification signature.
const HeaderPaymentSignature = "Payment-Signature"

// WebhookHandler receives payment backend notifications.
type WebhookHandler struct {
	ingestor ports.WebhookIngestor
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(ingestor ports.WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// Receive handles POST /api/v1/payments/webhook. The body is read raw since
// the signature covers the exact bytes sent.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		response.Error(c, apperror.ErrWebhookMalformed(err))
		return
	}

	if err := h.ingestor.Ingest(c.Request.Context(), payload, c.GetHeader(HeaderPaymentSignature)); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.WebhookAckResponse{Received: true})
}
