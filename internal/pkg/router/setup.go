package router

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/controllers"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
)

// Router registers a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the controllers and shared infrastructure behind the routes
type Deps struct {
	DB       *gorm.DB
	Metrics  *metrics.Collector
	Checkout *controllers.CheckoutController
	Webhook  *controllers.WebhookController
	Billing  *controllers.BillingController
	Admin    *controllers.AdminBillingController
	// CachePing reports the job queue's Redis on /healthz when set.
	CachePing func(ctx context.Context) error
	// LimiterStorage backs the rate limiter. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// InternalToken authenticates the identity headers of the fronting app.
	InternalToken   string
	MonitorUser     string
	MonitorPassword string
}

func InstallRouter(app *fiber.App, deps Deps) {
	// HttpRouter installs the identity middleware the API routes rely on,
	// so it goes first.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
