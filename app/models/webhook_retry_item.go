package models

import "time"

// WebhookRetryItem schedules one pending retry for a failed webhook event.
// At most one row exists per event (unique webhook_event_id); the row is
// deleted when the event succeeds or permanently fails. NextRetryAt is
// persisted so a process restart neither loses nor double-fires retries.
type WebhookRetryItem struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WebhookEventID uint      `gorm:"not null;uniqueIndex" json:"webhook_event_id"`
	NextRetryAt    time.Time `gorm:"type:timestamp;not null;index" json:"next_retry_at"`
	RetryCount     int       `gorm:"not null;default:1" json:"retry_count"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
