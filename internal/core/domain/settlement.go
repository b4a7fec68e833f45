package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTransferUnconfirmed means the backend accepted a transfer but the ledger
// has not confirmed it yet. It is never a success; a later attempt resolves it
// by looking the transfer up by reference.
var ErrTransferUnconfirmed = errors.New("transfer not confirmed")

// TransferRequest asks the settlement backend to move tokens out of the treasury.
type TransferRequest struct {
	Destination string
	Amount      int64
	AssetCode   string
	AssetIssuer string
	// Reference is the transaction UUID. It lets a later attempt discover
	// a transfer that landed but whose response was lost.
	Reference string
}

// TransferReceipt is the settlement backend's answer to a confirmed transfer.
type TransferReceipt struct {
	Hash   string
	Ledger int64
}

// TransferLookup is the tagged result of searching for a prior transfer.
type TransferLookup struct {
	Found  bool
	Hash   string
	Status string
}

// TransferNotFound is the empty lookup result.
func TransferNotFound() TransferLookup { return TransferLookup{} }

// TransferFound builds a positive lookup result.
func TransferFound(hash, status string) TransferLookup {
	return TransferLookup{Found: true, Hash: hash, Status: status}
}

// Confirmed reports whether the found transfer is final on the ledger.
func (l TransferLookup) Confirmed() bool {
	return l.Found && l.Status == TransferStatusConfirmed
}

const (
	TransferStatusConfirmed = "confirmed"
	TransferStatusPending   = "pending"
	TransferStatusFailed    = "failed"
)

// BalanceLookup is the tagged result of a treasury balance query:
// Found(balance) or NotFound when the treasury account does not exist.
type BalanceLookup struct {
	Found   bool
	Balance decimal.Decimal
}

// BalanceNotFound is the empty lookup result.
func BalanceNotFound() BalanceLookup { return BalanceLookup{} }

// BalanceFound builds a positive lookup result.
func BalanceFound(balance decimal.Decimal) BalanceLookup {
	return BalanceLookup{Found: true, Balance: balance}
}

// Covers reports whether a found balance can fund amount whole tokens.
func (b BalanceLookup) Covers(amount int64) bool {
	return b.Found && b.Balance.GreaterThanOrEqual(decimal.NewFromInt(amount))
}

// SettlementResult is the outcome of one settle call.
type SettlementResult struct {
	TransactionID int64  `json:"transaction_id"`
	Success       bool   `json:"success"`
	Signature     string `json:"signature,omitempty"`
	Error         string `json:"error,omitempty"`
	// Skipped is set when the row was not in a settleable state or another
	// worker holds the claim. No transfer was attempted.
	Skipped bool `json:"skipped,omitempty"`
}
