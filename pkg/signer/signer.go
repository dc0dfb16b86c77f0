package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex-encoded HMAC of a request body
const SignatureHeader = "X-Jobtrackd-Signature"

// NonceHeader carries the single-use nonce of an inbound container callback
const NonceHeader = "X-Jobtrackd-Nonce"

// Signer computes and verifies HMAC-SHA256 signatures over exact message
// bodies with a shared secret.
type Signer struct {
	secret []byte
}

// New creates a signer with the given shared secret
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 of body
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex-encoded signature against body in constant time
func (s *Signer) Verify(body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
