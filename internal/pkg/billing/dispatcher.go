package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pulldeck/PullDeck/app/models"
	"gorm.io/gorm"
)

// dispatchLockTTL bounds how long a crashed dispatch can block the event.
const dispatchLockTTL = 30 * time.Second

// EventLocker serializes dispatch per event so a scheduled retry and a fresh
// duplicate delivery never run the same event concurrently. Backed by Redis
// SETNX in production; nil disables locking (handlers stay idempotent via
// unique-key upserts either way).
type EventLocker interface {
	Acquire(eventID uint, ttl time.Duration) (bool, error)
	Release(eventID uint)
}

// Dispatcher maps event names to their business effect on the Subscription
// entity. Every handler runs its subscription write and the audit-log update
// in one transaction, so a crash between the two never leaves them split.
type Dispatcher struct {
	repo   Repository
	locker EventLocker
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over the given repository.
func NewDispatcher(repo Repository) *Dispatcher {
	return &Dispatcher{repo: repo, now: time.Now}
}

// SetLocker installs a per-event dispatch lock.
func (d *Dispatcher) SetLocker(l EventLocker) {
	d.locker = l
}

// SetNowFunc overrides the clock used for the processed timestamp.
func (d *Dispatcher) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		d.now = fn
	}
}

// Dispatch applies the business effect of a recorded webhook event. The
// returned error classifies via IsRetryable; unrecognized event names are a
// logged no-op success so the provider is not made to resend them.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.WebhookEvent) error {
	_ = ctx
	if d.locker != nil {
		ok, err := d.locker.Acquire(ev.ID, dispatchLockTTL)
		if err != nil {
			return fmt.Errorf("acquire dispatch lock for event %d: %w", ev.ID, err)
		}
		if !ok {
			return fmt.Errorf("event %d dispatch already in flight", ev.ID)
		}
		defer d.locker.Release(ev.ID)
	}

	name, known := ParseEventName(ev.EventName)
	if !known {
		log.Infof("[Billing] Ignoring unrecognized webhook event %q (id=%d)", ev.EventName, ev.ID)
		if err := d.repo.Transaction(func(tx *gorm.DB) error {
			return d.repo.MarkEventProcessed(tx, ev.ID, d.now())
		}); err != nil {
			return err
		}
		return d.repo.DeleteRetryItem(ev.ID)
	}

	payload, err := ParseWebhookPayload([]byte(ev.PayloadJSON))
	if err != nil {
		return err
	}
	if err := payload.ValidateSubscriptionData(); err != nil {
		return err
	}
	userID, err := payload.UserID()
	if err != nil {
		return err
	}

	if err := d.repo.Transaction(func(tx *gorm.DB) error {
		if err := d.applyEffect(tx, name, userID, ev, payload); err != nil {
			return err
		}
		if err := d.reconcileUserPlan(tx, userID); err != nil {
			return err
		}
		return d.repo.MarkEventProcessed(tx, ev.ID, d.now())
	}); err != nil {
		return err
	}

	// Outside the transaction: the item only schedules work, losing the
	// delete just causes one redundant (idempotent) re-dispatch.
	return d.repo.DeleteRetryItem(ev.ID)
}

func (d *Dispatcher) applyEffect(tx *gorm.DB, name EventName, userID uint, ev *models.WebhookEvent, p *WebhookPayload) error {
	switch name {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventCheckoutCompleted:
		return d.repo.UpsertSubscription(tx, d.subscriptionFromPayload(userID, ev, p, normalizeStatus(p.Data.Status)))

	case EventSubscriptionCancelled:
		sub := d.subscriptionFromPayload(userID, ev, p, models.SubscriptionStatusCancelled)
		sub.CancelAtPeriodEnd = true
		return d.repo.UpsertSubscription(tx, sub)

	case EventSubscriptionExpired:
		return d.repo.UpsertSubscription(tx, d.subscriptionFromPayload(userID, ev, p, models.SubscriptionStatusExpired))

	case EventSubscriptionTrialWillEnd:
		// Notification rendering is the client's concern; nothing to sync.
		return nil

	case EventPaymentSuccess:
		return d.repo.UpsertSubscription(tx, d.subscriptionFromPayload(userID, ev, p, models.SubscriptionStatusActive))

	case EventPaymentFailed:
		return d.repo.UpsertSubscription(tx, d.subscriptionFromPayload(userID, ev, p, models.SubscriptionStatusPastDue))

	default:
		// ParseEventName already filtered unknown names.
		return fmt.Errorf("no handler for event %q", name)
	}
}

func (d *Dispatcher) subscriptionFromPayload(userID uint, ev *models.WebhookEvent, p *WebhookPayload, status string) *models.Subscription {
	return &models.Subscription{
		UserID:                 userID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: p.Data.SubscriptionID,
		Plan:                   normalizePlan(p.Data.Plan),
		Status:                 status,
		CurrentPeriodStart:     p.Data.CurrentPeriodStart,
		CurrentPeriodEnd:       p.Data.CurrentPeriodEnd,
		CancelAtPeriodEnd:      p.Data.CancelAtPeriodEnd,
		TrialEndsAt:            p.Data.TrialEndsAt,
		RawPayloadJSON:         ev.PayloadJSON,
	}
}

// reconcileUserPlan writes the best plan across the user's entitling
// subscriptions back onto the user row.
func (d *Dispatcher) reconcileUserPlan(tx *gorm.DB, userID uint) error {
	subs, err := d.repo.ListSubscriptionsByUser(tx, userID)
	if err != nil {
		return err
	}

	best := models.PlanFree
	for _, sub := range subs {
		if !sub.IsEntitling() {
			continue
		}
		if candidate := normalizePlan(sub.Plan); planRank(candidate) > planRank(best) {
			best = candidate
		}
	}
	return d.repo.SetUserPlan(tx, userID, best)
}
