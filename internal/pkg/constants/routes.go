package constants

// Operational routes
const (
	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"
	MonitorRoute = "/monitor"
	WebhookRoute = "/webhook"
)

// Application routes
const (
	CheckoutRoute = "/checkout/:category"
	BillingRoute  = "/billing"
	// Billing sub-routes are relative to BillingRoute
	BookingsPath          = "/bookings"
	OrdersPath            = "/orders"
	DunningStatusPath     = "/dunning/status"
	DunningRetryPath      = "/dunning/retry"
	PreviewPlanChangePath = "/subscription/preview-change"
	UpdatePlanPath        = "/subscription/update"
	ReviewsPath           = "/reviews"
	ResolveReviewPath     = "/reviews/:id/resolve"
	OrderStatsPath        = "/stats/orders"
)
