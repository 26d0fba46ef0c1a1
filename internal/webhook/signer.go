// Package webhook delivers outbox events to tenant endpoints with
// signed payloads and a bounded retry ladder.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature headers attached to every delivery.
const (
	HeaderSignature = "X-crawlrs-Signature"
	HeaderEvent     = "X-crawlrs-Event"
)

// Sign computes the payload signature header value: an HMAC-SHA256 over
// the raw body, hex-encoded with a scheme prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against the body. Receivers
// use it; it is constant-time on the MAC comparison.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
