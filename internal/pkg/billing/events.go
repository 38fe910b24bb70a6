package billing

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventName is the closed set of billing provider event types PullDeck
// reacts to. Names outside this set are acknowledged and ignored.
type EventName string

const (
	EventSubscriptionCreated      EventName = "subscription_created"
	EventSubscriptionUpdated      EventName = "subscription_updated"
	EventSubscriptionCancelled    EventName = "subscription_cancelled"
	EventSubscriptionExpired      EventName = "subscription_expired"
	EventSubscriptionTrialWillEnd EventName = "subscription_trial_will_end"
	EventPaymentSuccess           EventName = "subscription_payment_success"
	EventPaymentFailed            EventName = "subscription_payment_failed"
	EventCheckoutCompleted        EventName = "checkout_completed"
)

// ParseEventName maps a raw provider event name onto the closed set.
// The second return is false for unrecognized names.
func ParseEventName(raw string) (EventName, bool) {
	switch n := EventName(strings.ToLower(strings.TrimSpace(raw))); n {
	case EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionCancelled,
		EventSubscriptionExpired,
		EventSubscriptionTrialWillEnd,
		EventPaymentSuccess,
		EventPaymentFailed,
		EventCheckoutCompleted:
		return n, true
	default:
		return EventName(raw), false
	}
}

// PayloadMeta carries the provider's envelope metadata. CustomData is set
// by our checkout integration and must contain the internal user id.
type PayloadMeta struct {
	EventID    string            `json:"event_id"`
	EventName  string            `json:"event_name" validate:"required"`
	CustomData map[string]string `json:"custom_data"`
}

// PayloadData is the subscription snapshot inside a webhook delivery.
type PayloadData struct {
	SubscriptionID     string     `json:"subscription_id" validate:"required"`
	Plan               string     `json:"plan"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
}

// WebhookPayload is the typed form of a webhook body, validated once at
// ingestion so dispatch handlers never re-parse raw JSON.
type WebhookPayload struct {
	Meta PayloadMeta `json:"meta" validate:"required"`
	Data PayloadData `json:"data" validate:"required"`
}

var payloadValidator = validator.New()

// ParseWebhookPayload decodes a raw webhook body and validates the provider
// envelope (meta). The data section is deliberately not validated here: the
// provider's schema is open-ended and events we do not handle may carry
// arbitrary data shapes, yet still must be acknowledged. Failures are
// wrapped in PayloadError so callers can map them to HTTP 400 and skip the
// retry queue.
func ParseWebhookPayload(rawBody []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, &PayloadError{Cause: err}
	}
	if err := payloadValidator.Struct(&p.Meta); err != nil {
		return nil, &PayloadError{Cause: err}
	}
	return &p, nil
}

// ValidateSubscriptionData checks that the data section carries the fields
// the subscription handlers need. Called only for recognized event names.
func (p *WebhookPayload) ValidateSubscriptionData() error {
	if err := payloadValidator.Struct(&p.Data); err != nil {
		return &PayloadError{Cause: err}
	}
	return nil
}

// UserID extracts the internal user id from the custom metadata. A missing
// or malformed id is a permanent error: no retry can supply a customer id
// that did not arrive in the payload.
func (p *WebhookPayload) UserID() (uint, error) {
	raw := strings.TrimSpace(p.Meta.CustomData["user_id"])
	if raw == "" {
		return 0, ErrMissingUserReference
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, ErrMissingUserReference
	}
	return uint(id), nil
}
