package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/pulldeck/PullDeck/app/models"
	"gorm.io/gorm"
)

// Service orchestrates the webhook audit log and the retry queue. Business
// effects live in the Dispatcher; the service only tracks what happened to
// each delivery.
type Service struct {
	repo  Repository
	now   func() time.Time
	alert func(subject, body string)
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// SetAlertFunc installs a best-effort ops alert sink (email in production).
func (s *Service) SetAlertFunc(fn func(subject, body string)) {
	s.alert = fn
}

// SetNowFunc overrides the clock. Tests use this to walk through the
// backoff schedule without waiting.
func (s *Service) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Repo exposes the underlying repository for read paths (admin listing).
func (s *Service) Repo() Repository {
	return s.repo
}

// RecordEvent persists a delivery idempotently and returns whether this call
// created the row. A second delivery of the same provider event id resolves
// to the already-stored record, never a duplicate.
func (s *Service) RecordEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		UUID:            uuid.New().String(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventName:       strings.TrimSpace(in.EventName),
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateEventIfNotExists(event)
}

// LogError records a failed processing attempt. When shouldRetry is set and
// attempts remain, the retry item is created or rescheduled per the backoff
// table. The returned flag tells the caller the event is out of attempts
// (or the error is not worth retrying); the permanent-failure path itself is
// the caller's job.
func (s *Service) LogError(ctx context.Context, eventID uint, dispatchErr error, shouldRetry bool) (bool, error) {
	_ = ctx
	if eventID == 0 {
		return false, errors.New("webhook_event_id is required")
	}
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
	}

	count, err := s.repo.RecordEventError(eventID, msg)
	if err != nil {
		return false, err
	}

	if !shouldRetry {
		log.Warnf("[Billing] Event %d failed non-retryably (attempt %d): %s", eventID, count, msg)
		return true, nil
	}
	if count >= MaxAttempts {
		return true, nil
	}

	next := s.now().Add(RetryDelay(count))
	if err := s.repo.UpsertRetryItem(eventID, next, count); err != nil {
		return false, err
	}
	log.Warnf("[Billing] Event %d failed (attempt %d/%d), retry scheduled at %s: %s",
		eventID, count, MaxAttempts, next.Format(time.RFC3339), msg)
	return false, nil
}

// FailPermanently stamps the terminal error message, removes the retry item
// and alerts ops. The event row itself stays forever as audit trail.
func (s *Service) FailPermanently(ctx context.Context, eventID uint, lastErr error) error {
	_ = ctx
	lastMsg := ""
	if lastErr != nil {
		lastMsg = lastErr.Error()
	}
	msg := fmt.Sprintf("retries exhausted after %d attempts: %s", MaxAttempts, lastMsg)
	if err := s.repo.StampEventError(eventID, msg); err != nil {
		return err
	}
	if err := s.repo.DeleteRetryItem(eventID); err != nil {
		return err
	}
	log.Errorf("[Billing] Event %d permanently failed: %s", eventID, msg)
	s.sendAlert("PullDeck: webhook event permanently failed",
		fmt.Sprintf("Webhook event %d exhausted all %d attempts.\nLast error: %s", eventID, MaxAttempts, lastMsg))
	return nil
}

// ReplayEvent reopens a processed or failed event and enqueues an
// immediately-due retry item, so the next scheduler pass reprocesses it.
// The error counter is not reset.
func (s *Service) ReplayEvent(ctx context.Context, eventUUID string) (*models.WebhookEvent, error) {
	_ = ctx
	ev, err := s.repo.GetEventByUUID(strings.TrimSpace(eventUUID))
	if err != nil {
		return nil, err
	}
	if err := s.repo.ResetEvent(ev.ID); err != nil {
		return nil, err
	}
	count := ev.ErrorCount
	if count < 1 {
		count = 1
	}
	if err := s.repo.UpsertRetryItem(ev.ID, s.now(), count); err != nil {
		return nil, err
	}
	return s.repo.GetEventByID(ev.ID)
}

// Status reports retry-queue state as a query over persisted rows.
func (s *Service) Status(ctx context.Context) (SchedulerStatus, error) {
	_ = ctx
	pending, due, err := s.repo.RetryQueueCounts(s.now())
	if err != nil {
		return SchedulerStatus{}, err
	}
	return SchedulerStatus{PendingRetries: pending, DueRetries: due}, nil
}

func (s *Service) sendAlert(subject, body string) {
	if s.alert == nil {
		return
	}
	s.alert(subject, body)
}
