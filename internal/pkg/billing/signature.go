package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header the billing provider signs deliveries with.
const SignatureHeader = "x-signature"

// VerifySignature checks that rawBody was produced by the billing provider.
// The digest is HMAC-SHA256 over the exact raw bytes (never a re-serialized
// form) and is compared in constant time. Length is checked up front so the
// comparison itself cannot leak length via timing.
func VerifySignature(rawBody []byte, signatureHeader, webhookSecret string) error {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return ErrSecretNotConfigured
	}

	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return ErrSignatureMissing
	}

	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(expected, provided) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignPayload computes the hex signature the provider would attach to body.
// Used by tests and by the local webhook simulator.
func SignPayload(body []byte, webhookSecret string) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
