package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/constants"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/middleware"
)

const healthTimeout = 2 * time.Second

// HttpRouter serves the operational endpoints and the webhook ingress
type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Apply identity middleware globally as first middleware
	app.Use(middleware.IdentityMiddleware(h.deps.InternalToken))

	app.Get(constants.HealthRoute, h.handleHealth)
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(h.deps.Metrics.Handler()))

	if h.deps.MonitorUser != "" && h.deps.MonitorPassword != "" {
		app.Get(constants.MonitorRoute, basicauth.New(basicauth.Config{
			Users: map[string]string{h.deps.MonitorUser: h.deps.MonitorPassword},
		}), monitor.New(monitor.Config{Title: "SlotBilling Monitor"}))
	}

	// The gateway signs the webhook body; it is never rate limited.
	app.Post(constants.WebhookRoute, h.deps.Webhook.HandleWebhook)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status := fiber.Map{"status": "ok", "database": "ok"}
	code := fiber.StatusOK

	sqlDB, err := h.deps.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		status["status"], status["database"] = "unavailable", err.Error()
		code = fiber.StatusServiceUnavailable
	}
	// Notifications queue up in Redis; a cache outage degrades but does not
	// stop webhook processing.
	if h.deps.CachePing != nil {
		if err := h.deps.CachePing(ctx); err != nil {
			status["cache"] = err.Error()
			if code == fiber.StatusOK {
				status["status"] = "degraded"
			}
		} else {
			status["cache"] = "ok"
		}
	}
	return c.Status(code).JSON(status)
}
