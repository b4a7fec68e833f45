package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	secretKey := "operator-secret"
	payload := "POST|/api/v1/settlement/retry/8f14e45f-ceea-467f-a0b6-0b9c3a5c1d2e|1708092000|abc123nonce|"

	signature := svc.Sign(secretKey, payload)

	// Should be lowercase hex
	assert.Regexp(t, `^[0-9a-f]{64}$`, signature, "signature should be 64-char lowercase hex (SHA-256)")
	assert.True(t, svc.Verify(secretKey, payload, signature))
}

func TestHMACSignatureService_VerifyFails(t *testing.T) {
	svc := NewHMACSignatureService()
	signature := svc.Sign("correct-key", "original payload")

	tests := []struct {
		name      string
		key       string
		payload   string
		signature string
	}{
		{"wrong key", "wrong-key", "original payload", signature},
		{"tampered payload", "correct-key", "tampered payload", signature},
		{"garbage signature", "correct-key", "original payload", "invalidsignature"},
		{"uppercase hex", "correct-key", "original payload", "A" + signature[1:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, svc.Verify(tt.key, tt.payload, tt.signature))
		})
	}
}

func TestHMACSignatureService_DeterministicSign(t *testing.T) {
	svc := NewHMACSignatureService()
	assert.Equal(t, svc.Sign("key", "data"), svc.Sign("key", "data"))
}

func TestHMACSignatureService_BuildCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	result := svc.BuildCanonicalString("GET", "/api/v1/settlement/transactions", 1708092000, "nonce1", "")
	assert.Equal(t, "GET|/api/v1/settlement/transactions|1708092000|nonce1|", result)
}

func TestHMACSignatureService_BuildWebhookPayload(t *testing.T) {
	svc := NewHMACSignatureService()

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	assert.Equal(t, `1708092000.{"id":"evt_1","type":"payment_intent.succeeded"}`, svc.BuildWebhookPayload(1708092000, body))
}
