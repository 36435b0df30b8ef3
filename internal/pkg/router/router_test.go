package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SlotBilling/app/controllers"
	"github.com/ManuelReschke/SlotBilling/app/repository"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/billing"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/planchange"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

const internalToken = "internal-test-token"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	return newTestAppWithCache(t, nil)
}

func newTestAppWithCache(t *testing.T, cachePing func(context.Context) error) *fiber.App {
	t.Helper()
	db := dbtest.Open(t)
	gw := gateway.NewMockGateway()
	collector := metrics.New()

	catalog := inventory.NewCatalog(db, gw, inventory.CatalogConfig{Currency: "eur", Monthly: map[string]int64{
		inventory.TierStandard: 2000,
	}})
	bridge := checkout.NewBridge(db, time.Hour)
	scheduler := dunning.NewScheduler(db, gw, notify.LogNotifier{}, dunning.Config{})
	eventRouter := billing.NewRouter(billing.Deps{DB: db, Bridge: bridge, Dunning: scheduler, Metrics: collector}, billing.Config{})
	repos := repository.NewFactory(db).GetRepositories()

	app := fiber.New()
	InstallRouter(app, Deps{
		DB:              db,
		Metrics:         collector,
		Checkout:        controllers.NewCheckoutController(checkout.NewService(db, gw, catalog, bridge, checkout.Config{}), collector),
		Webhook:         controllers.NewWebhookController(webhook.NewVerifier("whsec_router_test", 0), eventRouter),
		Billing:         controllers.NewBillingController(scheduler, planchange.NewService(db, gw, catalog), repos),
		Admin:           controllers.NewAdminBillingController(repos),
		CachePing:       cachePing,
		InternalToken:   internalToken,
		MonitorUser:     "ops",
		MonitorPassword: "secret",
	})
	return app
}

func request(method, path string, headers map[string]string) *http.Request {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(`{}`)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func identity(userID, role string) map[string]string {
	return map[string]string{
		usercontext.HeaderInternalToken: internalToken,
		usercontext.HeaderUserID:        userID,
		usercontext.HeaderUserRole:      role,
	}
}

func TestRouteAccess(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"health", http.MethodGet, "/healthz", nil, fiber.StatusOK},
		{"billing anonymous", http.MethodGet, "/billing/bookings", nil, fiber.StatusUnauthorized},
		{"billing forged header", http.MethodGet, "/billing/bookings", map[string]string{usercontext.HeaderUserID: "7"}, fiber.StatusUnauthorized},
		{"billing wrong token", http.MethodGet, "/billing/bookings", map[string]string{usercontext.HeaderInternalToken: "nope", usercontext.HeaderUserID: "7"}, fiber.StatusUnauthorized},
		{"billing user", http.MethodGet, "/billing/bookings", identity("7", "user"), fiber.StatusOK},
		{"dunning status", http.MethodGet, "/billing/dunning/status", identity("7", "user"), fiber.StatusOK},
		{"reviews as user", http.MethodGet, "/billing/reviews", identity("7", "user"), fiber.StatusForbidden},
		{"reviews as admin", http.MethodGet, "/billing/reviews", identity("1", "admin"), fiber.StatusOK},
		{"order stats as admin", http.MethodGet, "/billing/stats/orders", identity("1", "admin"), fiber.StatusOK},
		{"webhook unsigned", http.MethodPost, "/webhook", nil, fiber.StatusBadRequest},
		{"monitor without credentials", http.MethodGet, "/monitor", nil, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(request(tt.method, tt.path, tt.headers), -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Test(request(http.MethodPost, "/checkout/unknown", nil), -1)
	require.NoError(t, err)

	resp, err := app.Test(request(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "slotbilling_checkout_sessions_total")
}

func TestCheckoutRateLimit(t *testing.T) {
	app := newTestApp(t)

	var last int
	for i := 0; i <= checkoutRateLimit; i++ {
		resp, err := app.Test(request(http.MethodPost, "/checkout/slot", nil), -1)
		require.NoError(t, err)
		last = resp.StatusCode
	}
	assert.Equal(t, fiber.StatusTooManyRequests, last)
}

func TestHealthReportsCache(t *testing.T) {
	tests := []struct {
		name   string
		ping   func(context.Context) error
		status string
		cache  string
	}{
		{"cache up", func(context.Context) error { return nil }, "ok", "ok"},
		{"cache down", func(context.Context) error { return errors.New("connection refused") }, "degraded", "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestAppWithCache(t, tt.ping)

			resp, err := app.Test(request(http.MethodGet, "/healthz", nil))
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusOK, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.cache, body["cache"])
			assert.Equal(t, "ok", body["database"])
		})
	}
}
