package settlementbackend

import (
	"errors"
	"net/http"
)

var (
	ErrTimeout           = errors.New("settlement backend timeout")
	ErrUnauthorized      = errors.New("settlement backend rejected credentials")
	ErrRejected          = errors.New("settlement backend rejected transfer")
	ErrInsufficientFunds = errors.New("treasury has insufficient funds")
	ErrServerError       = errors.New("settlement backend server error")
)

var statusErrorMap = map[int]error{
	http.StatusUnauthorized:        ErrUnauthorized,
	http.StatusForbidden:           ErrUnauthorized,
	http.StatusBadRequest:          ErrRejected,
	http.StatusUnprocessableEntity: ErrRejected,
	http.StatusConflict:            ErrInsufficientFunds,
}

// MapStatusToError converts a non-2xx status into an error.
func MapStatusToError(statusCode int) error {
	if err, ok := statusErrorMap[statusCode]; ok {
		return err
	}
	return ErrServerError
}
