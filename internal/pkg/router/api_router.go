package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/constants"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/middleware"
)

const (
	checkoutRateLimit = 20
	billingRateLimit  = 60
)

// ApiRouter serves the JSON endpoints of the application layer
type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Post(constants.CheckoutRoute, h.limiter(checkoutRateLimit), h.deps.Checkout.HandleStartCheckout)

	billing := app.Group(constants.BillingRoute, h.limiter(billingRateLimit), middleware.RequireUser)
	billing.Get(constants.BookingsPath, h.deps.Billing.HandleListBookings)
	billing.Get(constants.OrdersPath, h.deps.Billing.HandleListOrders)
	billing.Get(constants.DunningStatusPath, h.deps.Billing.HandleDunningStatus)
	billing.Post(constants.DunningRetryPath, h.deps.Billing.HandleDunningRetry)
	billing.Post(constants.PreviewPlanChangePath, h.deps.Billing.HandlePreviewPlanChange)
	billing.Post(constants.UpdatePlanPath, h.deps.Billing.HandleUpdatePlan)

	billing.Get(constants.ReviewsPath, middleware.RequireAdmin, h.deps.Admin.HandleListReviews)
	billing.Post(constants.ResolveReviewPath, middleware.RequireAdmin, h.deps.Admin.HandleResolveReview)
	billing.Get(constants.OrderStatsPath, middleware.RequireAdmin, h.deps.Admin.HandleOrderStats)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}

// limiter allows max requests per minute per client.
func (h ApiRouter) limiter(max int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests",
			})
		},
	})
}
