package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simlabs/simbay/internal/metrics"
)

// NewApp assembles the Fiber application: JSON API, prometheus endpoint,
// streaming-client proxy and the static dashboard.
func NewApp(handler *InstanceHandler, proxy *StreamProxy, staticDir string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "simbay",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(countRequests)

	app.Get("/health", handler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	instances := v1.Group("/instances")
	instances.Get("/", handler.ListInstances)
	instances.Get("/:id", handler.GetInstance)
	instances.Post("/:id/start", handler.StartInstance)
	instances.Post("/:id/stop", handler.StopInstance)
	instances.Post("/:id/restart", handler.RestartInstance)
	instances.Delete("/:id", handler.RemoveInstance)
	instances.Get("/:id/logs", handler.GetInstanceLogs)

	v1.Post("/cleanup", handler.CleanupAll)
	v1.Get("/config", handler.GetConfig)

	app.All("/instances/:id/client/*", proxy.Forward)

	if staticDir != "" {
		app.Static("/", staticDir)
	}
	return app
}

func countRequests(c *fiber.Ctx) error {
	err := c.Next()
	metrics.HTTPRequests.WithLabelValues(
		c.Route().Path, c.Method(), strconv.Itoa(c.Response().StatusCode()),
	).Inc()
	return err
}
