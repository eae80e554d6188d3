// Package bitmart implements the venue-facing clients of the position sync
// service: request signing, the private REST snapshot endpoint, and the
// authenticated futures websocket stream.
package bitmart

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// DefaultLoginPayload is the fixed string bitmart expects inside the
// websocket login signature.
const DefaultLoginPayload = "bitmart.WebSocket"

// Signer produces the HMAC credential bitmart expects on both transports.
type Signer struct {
	secret string
	memo   string
}

// NewSigner builds a signer from the API secret and account memo.
func NewSigner(secret, memo string) *Signer {
	return &Signer{secret: secret, memo: memo}
}

// Sign returns hex(HMAC-SHA256(secret, "<ts>#<memo>#<payload>")), the
// signature scheme shared by the websocket login frame and REST headers.
func (s *Signer) Sign(timestampMs, payload string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(timestampMs + "#" + s.memo + "#" + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Memo returns the account memo carried in login frames.
func (s *Signer) Memo() string {
	return s.memo
}
