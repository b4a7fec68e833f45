package service

import (
	"github.com/stellar/go/strkey"
)

// StellarAddressValidator accepts ed25519 account ids (G...) with a valid
// version byte and checksum. Muxed and contract addresses are rejected.
type StellarAddressValidator struct{}

// NewStellarAddressValidator creates a new StellarAddressValidator.
func NewStellarAddressValidator() *StellarAddressValidator {
	return &StellarAddressValidator{}
}

func (StellarAddressValidator) Valid(address string) bool {
	return strkey.IsValidEd25519PublicKey(address)
}
