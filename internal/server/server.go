// Package server assembles the HTTP surface: routes, middleware and the
// job websocket.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/handler"
	"github.com/miyog/engine/internal/middleware"
	ws "github.com/miyog/engine/internal/websocket"
	"github.com/miyog/engine/pkg/response"
)

const bodyLimit = 10 * 1024 * 1024

// Deps are the pieces the routes are built from.
type Deps struct {
	Tasks   *handler.TaskHandler
	Scripts *handler.ScriptHandler
	Uploads *handler.UploadHandler
	Auth    *handler.AuthHandler

	// APIAuth guards /api. Either the bearer middleware or the gateway one.
	APIAuth fiber.Handler
	Limiter *middleware.RateLimiter
	Limits  config.RateLimitConfig
	Hub     *ws.Hub

	// Services is reported by /health. Ping, when set, decides ok vs degraded.
	Services map[string]bool
	Ping     func(ctx context.Context) error

	Logger zerolog.Logger
}

// New builds the fiber app.
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(d.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":   "miyog-engine",
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", d.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/auth/verify", d.Auth.Verify)

	api := app.Group("/api", d.APIAuth)

	tasks := api.Group("/tasks")
	tasks.Post("/generate", d.Limiter.TaskLimit(d.Limits.TasksPerHour), d.Tasks.Generate)
	tasks.Get("/:jobId", d.Tasks.Status)
	tasks.Get("/:jobId/result", d.Tasks.Result)

	api.Post("/ai/generate_script", d.Limiter.ScriptLimit(d.Limits.ScriptsPerMin), d.Scripts.Generate)
	api.Post("/upload/presigned", d.Limiter.UploadLimit(d.Limits.UploadPerHour), d.Uploads.Presigned)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		d.Hub.HandleConnection(c, c.Params("jobId"))
	}))

	return app
}

func (d Deps) health(c *fiber.Ctx) error {
	status := "ok"
	if d.Ping != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := d.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	return c.JSON(fiber.Map{
		"status":   status,
		"services": d.Services,
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := response.CodeServiceError
		if fe.Code == fiber.StatusNotFound {
			code = response.CodeNotFound
		}
		return response.Error(c, fe.Code, code, fe.Message, nil)
	}
	return response.ServiceError(c, "Internal Server Error")
}
