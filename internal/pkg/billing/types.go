package billing

// WebhookEventInput is the normalized input for webhook event persistence.
// ProviderEventID is the provider's idempotency key; when the provider did
// not send one, the service derives a content hash instead.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventName       string
	PayloadJSON     string
}

// SchedulerStatus is a pure query over persisted retry state. It carries no
// in-memory job bookkeeping, so it survives process restarts unchanged.
type SchedulerStatus struct {
	PendingRetries int64 `json:"pending_retries"`
	DueRetries     int64 `json:"due_retries"`
}
