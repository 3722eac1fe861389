package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSignatureMismatch is returned when a webhook signature does not match.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

// RazorpayVerifier checks X-Razorpay-Signature: the lowercase hex
// HMAC-SHA256 of the raw body keyed by the webhook secret.
type RazorpayVerifier struct{}

// Verify returns nil when signature is the HMAC of payload under secret.
// The comparison is constant-time; a mismatch returns ErrSignatureMismatch.
func (v *RazorpayVerifier) Verify(payload []byte, signature string, secret string) error {
	if secret == "" {
		return errors.New("webhook secret is not configured")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("missing signature header")
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(got, computeHMAC(payload, secret)) {
		return ErrSignatureMismatch
	}
	return nil
}

// ComputeRazorpaySignature returns the signature Razorpay would send for payload.
func ComputeRazorpaySignature(payload []byte, secret string) string {
	return hex.EncodeToString(computeHMAC(payload, secret))
}

func computeHMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

var _ SignatureVerifier = (*RazorpayVerifier)(nil)
