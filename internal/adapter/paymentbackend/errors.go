package paymentbackend

import (
	"errors"
	"fmt"
	"net/http"

	"token-sale-settlement/internal/core/domain"
)

var (
	ErrTimeout          = errors.New("payment backend timeout")
	ErrInvalidSignature = domain.ErrInvalidWebhookSignature
	ErrMalformedEvent   = domain.ErrMalformedWebhookEvent
	ErrUnauthorized     = errors.New("payment backend rejected credentials")
	ErrRateLimited      = errors.New("payment backend rate limited")
	ErrServerError      = errors.New("payment backend server error")
)

// ProviderError is a 4xx rejection carrying the provider's own message.
// The message is for logs only and must not reach API responses.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment backend %d %s: %s", e.StatusCode, e.Type, e.Message)
}

var statusErrorMap = map[int]error{
	http.StatusUnauthorized:    ErrUnauthorized,
	http.StatusForbidden:       ErrUnauthorized,
	http.StatusTooManyRequests: ErrRateLimited,
}

// MapStatusToError converts a non-2xx status into an error.
func MapStatusToError(statusCode int, body errorBody) error {
	if err, ok := statusErrorMap[statusCode]; ok {
		return err
	}
	if statusCode >= 400 && statusCode < 500 {
		return &ProviderError{StatusCode: statusCode, Type: body.Error.Type, Message: body.Error.Message}
	}
	return ErrServerError
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
