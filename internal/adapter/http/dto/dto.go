package dto

// CreatePurchaseIntentRequest is the request body for starting a token purchase.
// Binding checks shape only; amount bounds, precision and the wallet address
// grammar are validated by the intent service in its fixed order.
type CreatePurchaseIntentRequest struct {
	TokenID       int64  `json:"token_id" binding:"required,gt=0"`
	USDAmount     string `json:"usd_amount" binding:"required,decimal_string"`
	WalletAddress string `json:"wallet_address" binding:"required"`
}

// PurchaseIntentResponse is returned once the charge intent exists.
// ClientSecret is only present on creation.
type PurchaseIntentResponse struct {
	TransactionRef    string `json:"transaction_ref"`
	ExternalIntentRef string `json:"external_intent_ref"`
	ClientSecret      string `json:"client_secret,omitempty"`
	TokenID           int64  `json:"token_id"`
	USDAmount         string `json:"usd_amount"`
	TokenAmount       int64  `json:"token_amount"`
	PricePerToken     string `json:"price_per_token"`
	WalletAddress     string `json:"wallet_address"`
	PaymentStatus     string `json:"payment_status"`
	FulfillmentStatus string `json:"fulfillment_status"`
	SettlementTxHash  string `json:"settlement_tx_hash,omitempty"`
	CreatedAt         string `json:"created_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

// TransactionResponse is the operator view of a transaction.
type TransactionResponse struct {
	ID                int64   `json:"id"`
	TransactionRef    string  `json:"transaction_ref"`
	UserID            int64   `json:"user_id"`
	TokenID           int64   `json:"token_id"`
	USDAmount         string  `json:"usd_amount"`
	TokenAmount       int64   `json:"token_amount"`
	PricePerToken     string  `json:"price_per_token"`
	ExternalIntentRef string  `json:"external_intent_ref"`
	WalletAddress     string  `json:"wallet_address"`
	PaymentStatus     string  `json:"payment_status"`
	FulfillmentStatus string  `json:"fulfillment_status"`
	SettlementTxHash  *string `json:"settlement_tx_hash,omitempty"`
	RetryCount        int     `json:"retry_count"`
	ErrorMessage      *string `json:"error_message,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

// TransactionListResponse wraps paginated transaction list.
type TransactionListResponse struct {
	Items      []TransactionResponse `json:"items"`
	Total      int64                 `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// WebhookAckResponse acknowledges a payment notification.
type WebhookAckResponse struct {
	Received bool `json:"received"`
}
