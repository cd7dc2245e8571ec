package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	HeaderSignature = "X-Signature"
	HeaderEventType = "X-Event-Type"
	HeaderDelivery  = "X-Delivery-Id"
)

// Sign returns the lowercase hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature produced by Sign in constant time.
func Verify(secret string, body []byte, provided string) bool {
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
