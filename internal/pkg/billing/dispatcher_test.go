package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pulldeck/PullDeck/app/models"
	"gorm.io/gorm"
)

func recordTestEvent(t *testing.T, repo *MemoryRepository, eventName, payload string) *models.WebhookEvent {
	t.Helper()
	svc := NewService(repo)
	_, ev, err := svc.RecordEvent(context.Background(), WebhookEventInput{
		Provider:        models.BillingProviderLemonSqueezy,
		ProviderEventID: fmt.Sprintf("evt_%s_%d", eventName, time.Now().UnixNano()),
		EventName:       eventName,
		PayloadJSON:     payload,
	})
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	return ev
}

func subscriptionPayload(eventName, userID, subID, plan, status string) string {
	return fmt.Sprintf(`{
		"meta": {
			"event_id": "e-%s",
			"event_name": %q,
			"custom_data": {"user_id": %q}
		},
		"data": {
			"subscription_id": %q,
			"plan": %q,
			"status": %q
		}
	}`, subID, eventName, userID, subID, plan, status)
}

func TestDispatchSubscriptionCreated(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "7", "sub_100", "pro", "active"))

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	sub, err := repo.GetSubscription(models.BillingProviderLemonSqueezy, "sub_100")
	if err != nil {
		t.Fatalf("GetSubscription() error = %v", err)
	}
	if sub.UserID != 7 || sub.Plan != models.PlanPro || sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription state: %+v", sub)
	}
	if repo.UserPlan(7) != models.PlanPro {
		t.Fatalf("user plan = %q, want pro", repo.UserPlan(7))
	}

	stored, _ := repo.GetEventByID(ev.ID)
	if !stored.Processed || stored.ProcessedAt == nil {
		t.Fatalf("event must be marked processed after dispatch")
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "7", "sub_100", "pro", "active"))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), ev); err != nil {
			t.Fatalf("Dispatch() run %d error = %v", i+1, err)
		}
	}

	subs, _ := repo.ListSubscriptionsByUser(nil, 7)
	if len(subs) != 1 {
		t.Fatalf("repeated dispatch created %d subscription rows, want 1", len(subs))
	}
}

func TestDispatchCancellation(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	created := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "9", "sub_200", "team", "active"))
	if err := d.Dispatch(context.Background(), created); err != nil {
		t.Fatalf("Dispatch(created) error = %v", err)
	}
	if repo.UserPlan(9) != models.PlanTeam {
		t.Fatalf("user plan = %q, want team", repo.UserPlan(9))
	}

	cancelled := recordTestEvent(t, repo, "subscription_cancelled",
		subscriptionPayload("subscription_cancelled", "9", "sub_200", "team", "cancelled"))
	if err := d.Dispatch(context.Background(), cancelled); err != nil {
		t.Fatalf("Dispatch(cancelled) error = %v", err)
	}

	sub, _ := repo.GetSubscription(models.BillingProviderLemonSqueezy, "sub_200")
	if sub.Status != models.SubscriptionStatusCancelled || !sub.CancelAtPeriodEnd {
		t.Fatalf("unexpected cancelled state: %+v", sub)
	}
	// No entitling subscription remains, so the user drops to free.
	if repo.UserPlan(9) != models.PlanFree {
		t.Fatalf("user plan after cancellation = %q, want free", repo.UserPlan(9))
	}
}

func TestDispatchPaymentFailedKeepsEntitlement(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	created := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "4", "sub_300", "pro", "active"))
	if err := d.Dispatch(context.Background(), created); err != nil {
		t.Fatalf("Dispatch(created) error = %v", err)
	}

	failed := recordTestEvent(t, repo, "subscription_payment_failed",
		subscriptionPayload("subscription_payment_failed", "4", "sub_300", "pro", "past_due"))
	if err := d.Dispatch(context.Background(), failed); err != nil {
		t.Fatalf("Dispatch(payment_failed) error = %v", err)
	}

	sub, _ := repo.GetSubscription(models.BillingProviderLemonSqueezy, "sub_300")
	if sub.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("status = %q, want past_due", sub.Status)
	}
	// Dunning window: the plan stays granted while past_due.
	if repo.UserPlan(4) != models.PlanPro {
		t.Fatalf("user plan during dunning = %q, want pro", repo.UserPlan(4))
	}
}

func TestDispatchBestPlanWins(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	for _, ev := range []*models.WebhookEvent{
		recordTestEvent(t, repo, "subscription_created",
			subscriptionPayload("subscription_created", "5", "sub_pro", "pro", "active")),
		recordTestEvent(t, repo, "subscription_created",
			subscriptionPayload("subscription_created", "5", "sub_team", "team", "active")),
	} {
		if err := d.Dispatch(context.Background(), ev); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	if repo.UserPlan(5) != models.PlanTeam {
		t.Fatalf("user plan = %q, want team", repo.UserPlan(5))
	}
}

func TestDispatchUnknownEventIsNoOp(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "order_refunded", `{"meta":{"event_name":"order_refunded"},"data":{}}`)
	if err := repo.UpsertRetryItem(ev.ID, time.Now(), 1); err != nil {
		t.Fatalf("UpsertRetryItem() error = %v", err)
	}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	stored, _ := repo.GetEventByID(ev.ID)
	if !stored.Processed {
		t.Fatalf("unrecognized events must still be marked processed")
	}
	if _, err := repo.GetRetryItem(ev.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unrecognized events must clear their retry item")
	}
	if subs, _ := repo.ListSubscriptionsByUser(nil, 0); len(subs) != 0 {
		t.Fatalf("unrecognized events must not touch subscriptions")
	}
}

func TestDispatchMissingUserReference(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "subscription_created",
		`{"meta":{"event_name":"subscription_created"},"data":{"subscription_id":"sub_x"}}`)

	err := d.Dispatch(context.Background(), ev)
	if !errors.Is(err, ErrMissingUserReference) {
		t.Fatalf("expected ErrMissingUserReference, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("missing user reference must not be retryable")
	}

	stored, _ := repo.GetEventByID(ev.ID)
	if stored.Processed {
		t.Fatalf("failed dispatch must not mark the event processed")
	}
}

func TestDispatchStampsProcessedAtFromClock(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)
	at := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	d.SetNowFunc(func() time.Time { return at })

	ev := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "7", "sub_ts", "pro", "active"))
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	stored, _ := repo.GetEventByID(ev.ID)
	if stored.ProcessedAt == nil || !stored.ProcessedAt.Equal(at) {
		t.Fatalf("ProcessedAt = %v, want %s", stored.ProcessedAt, at)
	}
}

func TestDispatchKnownEventMissingSubscriptionData(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "subscription_created",
		`{"meta":{"event_name":"subscription_created","custom_data":{"user_id":"7"}},"data":{"plan":"pro"}}`)

	err := d.Dispatch(context.Background(), ev)
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PayloadError for missing subscription id, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("incomplete data sections must not be retryable")
	}

	stored, _ := repo.GetEventByID(ev.ID)
	if stored.Processed {
		t.Fatalf("failed dispatch must not mark the event processed")
	}
}

func TestDispatchMalformedStoredPayload(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)

	ev := recordTestEvent(t, repo, "subscription_created", `{"broken`)

	err := d.Dispatch(context.Background(), ev)
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PayloadError, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("payload errors must not be retryable")
	}
}

type stubLocker struct {
	held     bool
	acquired int
	released int
}

func (l *stubLocker) Acquire(eventID uint, ttl time.Duration) (bool, error) {
	l.acquired++
	return !l.held, nil
}

func (l *stubLocker) Release(eventID uint) { l.released++ }

func TestDispatchLockContention(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDispatcher(repo)
	locker := &stubLocker{held: true}
	d.SetLocker(locker)

	ev := recordTestEvent(t, repo, "subscription_created",
		subscriptionPayload("subscription_created", "7", "sub_lock", "pro", "active"))

	if err := d.Dispatch(context.Background(), ev); err == nil {
		t.Fatalf("expected in-flight error when the lock is held")
	}
	if locker.released != 0 {
		t.Fatalf("a lock we never acquired must not be released")
	}

	locker.held = false
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch() after lock release error = %v", err)
	}
	if locker.released != 1 {
		t.Fatalf("acquired lock must be released, got %d releases", locker.released)
	}
}
