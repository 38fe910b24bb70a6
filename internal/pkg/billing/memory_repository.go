package billing

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pulldeck/PullDeck/app/models"
	"gorm.io/gorm"
)

// MemoryRepository is an in-memory Repository used by tests and local tooling
// that runs the pipeline without MySQL. It mirrors the SQL semantics the
// gorm repository relies on: unique (provider, provider_event_id), one retry
// item per event, record-not-found as gorm.ErrRecordNotFound.
type MemoryRepository struct {
	mu sync.Mutex

	nextEventID uint
	nextSubID   uint
	nextRetryID uint
	events      map[uint]*models.WebhookEvent
	retries     map[uint]*models.WebhookRetryItem
	subs        map[string]*models.Subscription
	userPlans   map[uint]string
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:    make(map[uint]*models.WebhookEvent),
		retries:   make(map[uint]*models.WebhookRetryItem),
		subs:      make(map[string]*models.Subscription),
		userPlans: make(map[uint]string),
	}
}

func subKey(provider, providerSubscriptionID string) string {
	return provider + "/" + providerSubscriptionID
}

func (r *MemoryRepository) CreateEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.Provider == event.Provider && ev.ProviderEventID == event.ProviderEventID {
			stored := *ev
			return false, &stored, nil
		}
	}

	r.nextEventID++
	cp := *event
	cp.ID = r.nextEventID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.events[cp.ID] = &cp

	stored := cp
	return true, &stored, nil
}

func (r *MemoryRepository) GetEventByID(id uint) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *ev
	return &cp, nil
}

func (r *MemoryRepository) GetEventByUUID(uuid string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.UUID == uuid {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) ListEvents(limit, offset int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]models.WebhookEvent, 0, len(r.events))
	for _, ev := range r.events {
		all = append(all, *ev)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []models.WebhookEvent{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) RecordEventError(id uint, message string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	ev.ErrorCount++
	ev.ProcessingError = message
	ev.UpdatedAt = time.Now()
	return ev.ErrorCount, nil
}

func (r *MemoryRepository) StampEventError(id uint, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	ev.ProcessingError = message
	ev.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) ResetEvent(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	ev.Processed = false
	ev.ProcessedAt = nil
	ev.ProcessingError = ""
	ev.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) UpsertRetryItem(eventID uint, nextRetry time.Time, retryCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.retries[eventID]; ok {
		item.NextRetryAt = nextRetry
		item.RetryCount = retryCount
		item.UpdatedAt = time.Now()
		return nil
	}
	r.nextRetryID++
	r.retries[eventID] = &models.WebhookRetryItem{
		ID:             r.nextRetryID,
		WebhookEventID: eventID,
		NextRetryAt:    nextRetry,
		RetryCount:     retryCount,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return nil
}

func (r *MemoryRepository) DeleteRetryItem(eventID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, eventID)
	return nil
}

func (r *MemoryRepository) GetRetryItem(eventID uint) (*models.WebhookRetryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.retries[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *MemoryRepository) DueRetryItems(now time.Time, limit int) ([]models.WebhookRetryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]models.WebhookRetryItem, 0)
	for _, item := range r.retries {
		if !item.NextRetryAt.After(now) {
			due = append(due, *item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) RetryQueueCounts(now time.Time) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due int64
	for _, item := range r.retries {
		if !item.NextRetryAt.After(now) {
			due++
		}
	}
	return int64(len(r.retries)), due, nil
}

// Transaction runs fn against the same store. There is no rollback; callers
// that need transactional guarantees run against the gorm repository.
func (r *MemoryRepository) Transaction(fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (r *MemoryRepository) MarkEventProcessed(tx *gorm.DB, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	ev.Processed = true
	ev.ProcessedAt = &at
	ev.ProcessingError = ""
	ev.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) UpsertSubscription(tx *gorm.DB, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey(sub.Provider, sub.ProviderSubscriptionID)
	if existing, ok := r.subs[key]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		r.nextSubID++
		sub.ID = r.nextSubID
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	r.subs[key] = &cp
	return nil
}

func (r *MemoryRepository) UpdateSubscriptionFields(tx *gorm.DB, provider, providerSubscriptionID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subKey(provider, providerSubscriptionID)]
	if !ok {
		return nil
	}
	for col, val := range fields {
		switch strings.ToLower(col) {
		case "status":
			sub.Status, _ = val.(string)
		case "plan":
			sub.Plan, _ = val.(string)
		case "cancel_at_period_end":
			sub.CancelAtPeriodEnd, _ = val.(bool)
		}
	}
	sub.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) GetSubscription(provider, providerSubscriptionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subKey(provider, providerSubscriptionID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *MemoryRepository) ListSubscriptionsByUser(tx *gorm.DB, userID uint) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]models.Subscription, 0)
	for _, sub := range r.subs {
		if sub.UserID == userID {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (r *MemoryRepository) SetUserPlan(tx *gorm.DB, userID uint, plan string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userPlans[userID] = plan
	return nil
}

// UserPlan returns the last plan written for the user, defaulting to free.
func (r *MemoryRepository) UserPlan(userID uint) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if plan, ok := r.userPlans[userID]; ok {
		return plan
	}
	return models.PlanFree
}
