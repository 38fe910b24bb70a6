package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulldeck/PullDeck/app/models"
	"github.com/pulldeck/PullDeck/internal/pkg/billing"
)

func newAdminTestApp(t *testing.T) (*fiber.App, *billing.Service, *billing.MemoryRepository) {
	t.Helper()

	repo := billing.NewMemoryRepository()
	svc := billing.NewService(repo)
	SetWebhookComponents(svc, billing.NewDispatcher(repo))
	t.Cleanup(func() { SetWebhookComponents(nil, nil) })

	app := fiber.New()
	app.Get("/api/internal/webhooks", HandleAdminListWebhookEvents)
	app.Get("/api/internal/webhooks/scheduler", HandleAdminWebhookSchedulerStatus)
	app.Post("/api/internal/webhooks/:uuid/replay", HandleAdminReplayWebhookEvent)
	return app, svc, repo
}

func seedAdminEvent(t *testing.T, svc *billing.Service, providerEventID string) *models.WebhookEvent {
	t.Helper()
	_, ev, err := svc.RecordEvent(context.Background(), billing.WebhookEventInput{
		Provider:        models.BillingProviderLemonSqueezy,
		ProviderEventID: providerEventID,
		EventName:       "subscription_created",
		PayloadJSON:     `{"meta":{"event_name":"subscription_created"},"data":{"subscription_id":"s1"}}`,
	})
	require.NoError(t, err)
	return ev
}

func TestHandleAdminListWebhookEvents(t *testing.T) {
	app, svc, _ := newAdminTestApp(t)
	seedAdminEvent(t, svc, "evt_admin_1")
	seedAdminEvent(t, svc, "evt_admin_2")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/internal/webhooks", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeJSONBody(t, resp)
	events, ok := payload["events"].([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 2)
}

func TestHandleAdminListWebhookEventsPagination(t *testing.T) {
	app, svc, _ := newAdminTestApp(t)
	for _, id := range []string{"evt_p1", "evt_p2", "evt_p3"} {
		seedAdminEvent(t, svc, id)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/internal/webhooks?limit=2&offset=2", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeJSONBody(t, resp)
	events, ok := payload["events"].([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestHandleAdminWebhookSchedulerStatus(t *testing.T) {
	app, svc, repo := newAdminTestApp(t)
	ev := seedAdminEvent(t, svc, "evt_status_1")
	require.NoError(t, repo.UpsertRetryItem(ev.ID, time.Now().Add(-time.Minute), 1))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/internal/webhooks/scheduler", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeJSONBody(t, resp)
	sched, ok := payload["scheduler"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), sched["pending_retries"])
	assert.Equal(t, float64(1), sched["due_retries"])
}

func TestHandleAdminReplayWebhookEvent(t *testing.T) {
	app, svc, repo := newAdminTestApp(t)
	ev := seedAdminEvent(t, svc, "evt_replay_1")
	require.NoError(t, repo.MarkEventProcessed(nil, ev.ID, time.Now()))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/internal/webhooks/"+ev.UUID+"/replay", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeJSONBody(t, resp)
	assert.Equal(t, true, payload["replayed"])

	stored, err := repo.GetEventByID(ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	_, err = repo.GetRetryItem(ev.ID)
	assert.NoError(t, err, "replay must enqueue the event for the scheduler")
}

func TestHandleAdminReplayWebhookEventNotFound(t *testing.T) {
	app, _, _ := newAdminTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/internal/webhooks/does-not-exist/replay", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
