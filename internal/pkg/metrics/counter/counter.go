package counter

import (
	"context"

	"github.com/pulldeck/PullDeck/internal/pkg/cache"
)

const webhookOutcomesKey = "webhook:counters:outcomes"

// Webhook outcome fields tracked in the Redis hash.
const (
	WebhookReceived       = "received"
	WebhookDuplicate      = "duplicate"
	WebhookProcessed      = "processed"
	WebhookRetryScheduled = "retry_scheduled"
	WebhookFailedFinal    = "failed_permanent"
)

// AddWebhookOutcome increments the counter for one pipeline outcome.
// Best-effort: monitoring counters never block the webhook path.
func AddWebhookOutcome(field string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookOutcomesKey, field, 1).Err()
}

// WebhookOutcomes returns the full outcome counter hash.
func WebhookOutcomes() (map[string]string, error) {
	ctx := context.Background()
	return cache.GetClient().HGetAll(ctx, webhookOutcomesKey).Result()
}
