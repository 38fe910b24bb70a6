package billing

import (
	"errors"
	"fmt"
)

// Error taxonomy for the webhook pipeline. Signature and payload errors are
// surfaced to the HTTP caller; everything else is swallowed at the ingestion
// boundary and routed into the audit log + retry queue.
var (
	// ErrSignatureMissing means the delivery carried no signature header.
	ErrSignatureMissing = errors.New("missing signature header")

	// ErrSignatureInvalid means the HMAC digest did not match the raw body.
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrSecretNotConfigured means the webhook secret is absent. This is an
	// operational incident on our side, not a client error, and must be
	// logged as such.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")

	// ErrMissingUserReference means the payload carried no internal user id
	// in its custom metadata. Retrying cannot help: the payload will not
	// change, so this error never enqueues a retry.
	ErrMissingUserReference = errors.New("payload carries no internal user reference")
)

// PayloadError wraps a parse or validation failure of a webhook body.
type PayloadError struct {
	Cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("unparseable webhook payload: %v", e.Cause)
}

func (e *PayloadError) Unwrap() error { return e.Cause }

// IsRetryable reports whether a dispatch failure should be enqueued for a
// scheduled retry. Payload and user-reference errors are permanent; every
// other handler error is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingUserReference) {
		return false
	}
	var pe *PayloadError
	return !errors.As(err, &pe)
}
