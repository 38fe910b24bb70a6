package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pulldeck/PullDeck/internal/pkg/metrics/counter"
	"github.com/pulldeck/PullDeck/internal/pkg/scheduler"
	"gorm.io/gorm"
)

// HandleAdminListWebhookEvents returns a page of the webhook audit log,
// newest first.
func HandleAdminListWebhookEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	svc, _ := webhookPipeline()
	events, err := svc.Repo().ListEvents(limit, offset)
	if err != nil {
		log.Errorf("[Admin] Failed to list webhook events: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_list_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

// HandleAdminWebhookSchedulerStatus reports retry-queue state. The numbers
// come straight from persisted rows, so they are correct across restarts.
func HandleAdminWebhookSchedulerStatus(c *fiber.Ctx) error {
	svc, _ := webhookPipeline()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := svc.Status(ctx)
	if err != nil {
		log.Errorf("[Admin] Failed to query scheduler status: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_query_failed"})
	}

	outcomes, err := counter.WebhookOutcomes()
	if err != nil {
		// Counters are monitoring sugar; the persisted status is the answer.
		outcomes = map[string]string{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"scheduler": status,
		"outcomes":  outcomes,
	})
}

// HandleAdminReplayWebhookEvent reopens an event for reprocessing. The next
// scheduler pass (or a manual run) picks it up; the error counter is kept.
func HandleAdminReplayWebhookEvent(c *fiber.Ctx) error {
	eventUUID := c.Params("uuid")

	svc, _ := webhookPipeline()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := svc.ReplayEvent(ctx, eventUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		log.Errorf("[Admin] Failed to replay webhook event %s: %v", eventUUID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"replayed": true, "event": ev})
}

// HandleAdminRunWebhookRetries triggers one scan-and-process pass. This is
// the hook for an external job runner; the in-process ticker uses the same
// code path.
func HandleAdminRunWebhookRetries(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := scheduler.GetManager().RunOnce(ctx); err != nil {
		log.Errorf("[Admin] Retry pass failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry_pass_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
