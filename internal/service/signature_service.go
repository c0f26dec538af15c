package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"consenthub/internal/core/ports"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
// The signed material is "<timestamp>.<payload>" so subscribers can reject
// replayed deliveries; the signature is versioned ("v1=<hex>") to leave room
// for scheme rotation.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 over "<timestamp>.<payload>" with the
// subscription secret. Returns "v1=" plus lowercase hex.
func (s *HMACSignatureService) Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func (s *HMACSignatureService) Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	expected := s.Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var _ ports.SignatureService = (*HMACSignatureService)(nil)
