package billing

import (
	"time"

	"github.com/pulldeck/PullDeck/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing webhook pipeline.
// Subscription writes take a *gorm.DB so dispatch handlers can run them in
// the same transaction as the audit-log update.
type Repository interface {
	CreateEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetEventByID(id uint) (*models.WebhookEvent, error)
	GetEventByUUID(uuid string) (*models.WebhookEvent, error)
	ListEvents(limit, offset int) ([]models.WebhookEvent, error)
	RecordEventError(id uint, message string) (int, error)
	StampEventError(id uint, message string) error
	ResetEvent(id uint) error

	UpsertRetryItem(eventID uint, nextRetry time.Time, retryCount int) error
	DeleteRetryItem(eventID uint) error
	GetRetryItem(eventID uint) (*models.WebhookRetryItem, error)
	DueRetryItems(now time.Time, limit int) ([]models.WebhookRetryItem, error)
	RetryQueueCounts(now time.Time) (pending int64, due int64, err error)

	Transaction(fn func(tx *gorm.DB) error) error
	MarkEventProcessed(tx *gorm.DB, id uint, at time.Time) error
	UpsertSubscription(tx *gorm.DB, sub *models.Subscription) error
	UpdateSubscriptionFields(tx *gorm.DB, provider, providerSubscriptionID string, fields map[string]interface{}) error
	GetSubscription(provider, providerSubscriptionID string) (*models.Subscription, error)
	ListSubscriptionsByUser(tx *gorm.DB, userID uint) ([]models.Subscription, error)
	SetUserPlan(tx *gorm.DB, userID uint, plan string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateEventIfNotExists records a delivery, resolving concurrent duplicates
// via insert-or-fetch: the unique (provider, provider_event_id) index plus
// OnConflict DoNothing makes a lost race fall through to the re-select, so
// two parallel deliveries of the same event both end up with the same row.
func (r *gormRepository) CreateEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetEventByID(id uint) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.First(&ev, id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) GetEventByUUID(uuid string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.Where("uuid = ?", uuid).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) ListEvents(limit, offset int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&events).Error
	return events, err
}

// RecordEventError increments the error counter and stores the last failure
// message. Returns the new counter value so callers can decide between
// rescheduling and the permanent-failure path.
func (r *gormRepository) RecordEventError(id uint, message string) (int, error) {
	err := r.db.Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_count":      gorm.Expr("error_count + 1"),
			"processing_error": message,
		}).Error
	if err != nil {
		return 0, err
	}

	var ev models.WebhookEvent
	if err := r.db.Select("error_count").First(&ev, id).Error; err != nil {
		return 0, err
	}
	return ev.ErrorCount, nil
}

// StampEventError overwrites the stored error message without touching the
// counter. Used for the terminal exhaustion message.
func (r *gormRepository) StampEventError(id uint, message string) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Update("processing_error", message).Error
}

// ResetEvent reopens an event for reprocessing. The error counter is kept
// on purpose: replay is an operator action, not a fresh delivery.
func (r *gormRepository) ResetEvent(id uint) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":        false,
			"processed_at":     nil,
			"processing_error": "",
		}).Error
}

func (r *gormRepository) UpsertRetryItem(eventID uint, nextRetry time.Time, retryCount int) error {
	item := &models.WebhookRetryItem{
		WebhookEventID: eventID,
		NextRetryAt:    nextRetry,
		RetryCount:     retryCount,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "webhook_event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"next_retry_at",
			"retry_count",
			"updated_at",
		}),
	}).Create(item).Error
}

func (r *gormRepository) DeleteRetryItem(eventID uint) error {
	return r.db.Where("webhook_event_id = ?", eventID).
		Delete(&models.WebhookRetryItem{}).Error
}

func (r *gormRepository) GetRetryItem(eventID uint) (*models.WebhookRetryItem, error) {
	var item models.WebhookRetryItem
	if err := r.db.Where("webhook_event_id = ?", eventID).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *gormRepository) DueRetryItems(now time.Time, limit int) ([]models.WebhookRetryItem, error) {
	var items []models.WebhookRetryItem
	err := r.db.Where("next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *gormRepository) RetryQueueCounts(now time.Time) (int64, int64, error) {
	var pending, due int64
	if err := r.db.Model(&models.WebhookRetryItem{}).Count(&pending).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.Model(&models.WebhookRetryItem{}).
		Where("next_retry_at <= ?", now).Count(&due).Error; err != nil {
		return 0, 0, err
	}
	return pending, due, nil
}

func (r *gormRepository) Transaction(fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

func (r *gormRepository) MarkEventProcessed(tx *gorm.DB, id uint, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":        true,
			"processed_at":     &at,
			"processing_error": "",
		}).Error
}

func (r *gormRepository) UpsertSubscription(tx *gorm.DB, sub *models.Subscription) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"plan",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"trial_ends_at",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return tx.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) UpdateSubscriptionFields(tx *gorm.DB, provider, providerSubscriptionID string, fields map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Model(&models.Subscription{}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Updates(fields).Error
}

func (r *gormRepository) GetSubscription(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(tx *gorm.DB, userID uint) ([]models.Subscription, error) {
	if tx == nil {
		tx = r.db
	}
	var subs []models.Subscription
	err := tx.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) SetUserPlan(tx *gorm.DB, userID uint, plan string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Model(&models.User{}).
		Where("id = ?", userID).
		Update("plan", plan).Error
}
