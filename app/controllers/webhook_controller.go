package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pulldeck/PullDeck/app/models"
	"github.com/pulldeck/PullDeck/internal/pkg/billing"
	"github.com/pulldeck/PullDeck/internal/pkg/database"
	"github.com/pulldeck/PullDeck/internal/pkg/env"
	"github.com/pulldeck/PullDeck/internal/pkg/mail"
	"github.com/pulldeck/PullDeck/internal/pkg/metrics/counter"
)

// webhookComponents lets tests swap the pipeline behind the handler.
type webhookComponents struct {
	svc        *billing.Service
	dispatcher *billing.Dispatcher
}

var webhookOverride *webhookComponents

// SetWebhookComponents overrides the webhook pipeline wiring (tests only).
func SetWebhookComponents(svc *billing.Service, dispatcher *billing.Dispatcher) {
	if svc == nil {
		webhookOverride = nil
		return
	}
	webhookOverride = &webhookComponents{svc: svc, dispatcher: dispatcher}
}

func webhookPipeline() (*billing.Service, *billing.Dispatcher) {
	if webhookOverride != nil {
		return webhookOverride.svc, webhookOverride.dispatcher
	}
	svc := billing.NewServiceFromDB(database.GetDB())
	svc.SetAlertFunc(mail.AlertOps)
	dispatcher := billing.NewDispatcher(svc.Repo())
	dispatcher.SetLocker(billing.NewRedisEventLocker())
	return svc, dispatcher
}

// HandleBillingWebhook is the ingestion endpoint for billing provider
// deliveries. It verifies the signature over the exact raw bytes, records
// the event durably before any business effect, dispatches synchronously,
// and always acknowledges handler failures with 200 — an unacknowledged
// webhook would make the provider flood-resend on its own schedule, on top
// of our internal retry queue.
func HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(billing.SignatureHeader))
	secret := env.GetEnv("BILLING_WEBHOOK_SECRET", "")

	switch err := billing.VerifySignature(rawBody, signature, secret); {
	case errors.Is(err, billing.ErrSecretNotConfigured):
		// Operational incident, not a client error. Keep the response vague.
		log.Error("[Webhook] BILLING_WEBHOOK_SECRET is not configured, rejecting delivery")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	case errors.Is(err, billing.ErrSignatureMissing):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Missing %s header", billing.SignatureHeader),
		})
	case err != nil:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid signature"})
	}

	payload, err := billing.ParseWebhookPayload(rawBody)
	if err != nil {
		var pe *billing.PayloadError
		msg := err.Error()
		if errors.As(err, &pe) {
			msg = pe.Cause.Error()
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Webhook Error: %s", msg),
		})
	}

	svc, dispatcher := webhookPipeline()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, stored, err := svc.RecordEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderLemonSqueezy,
		ProviderEventID: payload.Meta.EventID,
		EventName:       payload.Meta.EventName,
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		// Nothing durable was written; let the provider resend.
		log.Errorf("[Webhook] Failed to persist event: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	_ = counter.AddWebhookOutcome(counter.WebhookReceived)

	if !created {
		_ = counter.AddWebhookOutcome(counter.WebhookDuplicate)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "cached": true})
	}

	if dispatchErr := dispatcher.Dispatch(ctx, stored); dispatchErr != nil {
		retryable := billing.IsRetryable(dispatchErr)
		if _, logErr := svc.LogError(ctx, stored.ID, dispatchErr, retryable); logErr != nil {
			log.Errorf("[Webhook] Failed to record dispatch error for event %d: %v", stored.ID, logErr)
		}
		if retryable {
			_ = counter.AddWebhookOutcome(counter.WebhookRetryScheduled)
		}
		// Deliberate 200: the failure is parked in the audit log and retry
		// queue, not bounced back to the provider.
	} else {
		_ = counter.AddWebhookOutcome(counter.WebhookProcessed)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "eventId": stored.UUID})
}
