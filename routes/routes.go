package routes

import (
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "dripline/controllers"
	"dripline/middleware"
	"dripline/utils"
)

// Handlers carries the controllers the routes are bound to.
type Handlers struct {
	Enrollments *controller.EnrollmentController
	Triggers    *controller.TriggerController
	Sequences   *controller.SequenceController
	Subjects    *controller.SubjectController
	Backfill    *controller.BackfillController
	Dispatch    *controller.DispatchController
	Tracking    *controller.TrackingController

	// Redis backs the action rate limiter when set.
	Redis           *redis.Client
	ActionRateLimit int
	AllowedOrigins  []string
}

func SetupAPIRoutes(app *fiber.App, h Handlers) {
	// API group with versioning
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Trigger ingestion
	api.Post("/events", h.Triggers.HandleEvent)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Get("/", h.Enrollments.List)
	enrollment.Get("/:id", h.Enrollments.Get)
	enrollment.Post("/:id/action", middleware.ActionRateLimiter(h.ActionRateLimit, h.Redis), h.Enrollments.Action)

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Get("/", h.Sequences.List)
	sequence.Post("/", h.Sequences.Upsert)
	sequence.Get("/:id", h.Sequences.Get)
	sequence.Put("/:id/active", h.Sequences.SetActive)
	sequence.Put("/:id/steps/:order/active", h.Sequences.SetStepActive)

	// Subject routes
	subject := api.Group("/subjects")
	subject.Post("/", h.Subjects.Create)
	subject.Post("/import", h.Subjects.Import)
	subject.Get("/:id", h.Subjects.Get)
	subject.Put("/:id", h.Subjects.Update)
	subject.Post("/:id/unsubscribe", h.Subjects.Unsubscribe)

	api.Post("/backfill", h.Backfill.Run)

	// Dispatch routes
	api.Post("/dispatch/tick", h.Dispatch.Tick)
	api.Use("/dispatch/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/dispatch/progress", websocket.New(h.Dispatch.Hub.HandleProgressWS))

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, h Handlers) {
	app.Use(middleware.CORS(h.AllowedOrigins...))

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Tracking links are public and live outside the API group
	app.Get("/track/open/:messageID/:token", h.Tracking.HandleOpen)
	app.Get("/track/click/:messageID/:token", h.Tracking.HandleClick)

	SetupAPIRoutes(app, h)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return utils.ErrorResponse(c, fiber.StatusNotFound, utils.KindNotFound,
			"The requested resource was not found")
	})
}
