package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/pulldeck/PullDeck/app/controllers"
	"github.com/pulldeck/PullDeck/internal/pkg/cache"
	"github.com/pulldeck/PullDeck/internal/pkg/env"
	"github.com/pulldeck/PullDeck/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/healthz", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// Billing provider deliveries. No rate limit here: the provider controls
	// the cadence and a throttled delivery would just be resent.
	v1 := api.Group("/v1")
	v1.Post("/webhooks/billing", controllers.HandleBillingWebhook)

	// Internal ops surface: token-authenticated and rate-limited.
	internal := api.Group("/internal", middleware.AdminTokenMiddleware(), limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
	}))
	internal.Get("/webhooks", controllers.HandleAdminListWebhookEvents)
	internal.Get("/webhooks/scheduler", controllers.HandleAdminWebhookSchedulerStatus)
	internal.Post("/webhooks/:uuid/replay", controllers.HandleAdminReplayWebhookEvent)
	internal.Post("/webhooks/run-retries", controllers.HandleAdminRunWebhookRetries)
}

// newLimiterStorage builds Redis-backed limiter storage from the shared
// cache configuration, using database 1 (cache and locks use DB 0).
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
