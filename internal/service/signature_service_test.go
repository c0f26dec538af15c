package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignature_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	payload := []byte(`{"event":"consent.granted"}`)

	sig := svc.Sign("whsec_test", 1700000000, payload)

	assert.True(t, strings.HasPrefix(sig, "v1="))
	assert.True(t, svc.Verify("whsec_test", 1700000000, payload, sig))
}

func TestHMACSignature_Deterministic(t *testing.T) {
	svc := NewHMACSignatureService()
	payload := []byte("data")

	sig1 := svc.Sign("secret", 100, payload)
	sig2 := svc.Sign("secret", 100, payload)
	assert.Equal(t, sig1, sig2)
}

func TestHMACSignature_VerifyRejects(t *testing.T) {
	svc := NewHMACSignatureService()
	payload := []byte("data")
	sig := svc.Sign("secret", 100, payload)

	assert.False(t, svc.Verify("wrong-secret", 100, payload, sig), "different secret")
	assert.False(t, svc.Verify("secret", 101, payload, sig), "different timestamp")
	assert.False(t, svc.Verify("secret", 100, []byte("tampered"), sig), "different payload")
	assert.False(t, svc.Verify("secret", 100, payload, "v1=deadbeef"), "garbage signature")
}
