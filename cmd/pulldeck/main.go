package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pulldeck/PullDeck/internal/pkg/cache"
	"github.com/pulldeck/PullDeck/internal/pkg/database"
	"github.com/pulldeck/PullDeck/internal/pkg/env"
	"github.com/pulldeck/PullDeck/internal/pkg/router"
	"github.com/pulldeck/PullDeck/internal/pkg/scheduler"
)

func main() {
	app := NewApplication()

	// Internal retry scheduler. SCHEDULER_RETRY_INTERVAL=0 disables the
	// in-process ticker when an external job runner drives the retry pass
	// through the internal API instead.
	interval := schedulerInterval()
	if interval > 0 {
		scheduler.GetManager().Start(interval)
	}

	// Graceful shutdown: stop accepting requests, then let an in-flight
	// retry pass finish.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if interval > 0 {
		scheduler.GetManager().Stop()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName:   "PullDeck API",
		BodyLimit: 1 * 1024 * 1024, // webhook payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}

func schedulerInterval() time.Duration {
	raw := env.GetEnv("SCHEDULER_RETRY_INTERVAL", "")
	if raw == "" {
		return scheduler.DefaultInterval
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		if d, derr := time.ParseDuration(raw); derr == nil {
			return d
		}
		log.Printf("Invalid SCHEDULER_RETRY_INTERVAL %q, using default", raw)
		return scheduler.DefaultInterval
	}
	return time.Duration(secs) * time.Second
}
