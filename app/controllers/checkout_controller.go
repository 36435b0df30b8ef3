package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
)

// CheckoutController starts gateway checkout sessions
type CheckoutController struct {
	checkout *checkout.Service
	metrics  *metrics.Collector
}

// NewCheckoutController creates a new checkout controller
func NewCheckoutController(svc *checkout.Service, m *metrics.Collector) *CheckoutController {
	return &CheckoutController{checkout: svc, metrics: m}
}

// HandleStartCheckout handles POST /checkout/:category and returns the
// gateway redirect URL.
func (cc *CheckoutController) HandleStartCheckout(c *fiber.Ctx) error {
	var req checkout.Request
	if err := c.BodyParser(&req); err != nil {
		return invalidRequest(c, err)
	}
	req.Category = strings.ToLower(strings.TrimSpace(c.Params("category")))
	if uid := usercontext.GetUserID(c); uid > 0 {
		req.UserID = uid
		req.AdvertiserID = uid
	}

	result, err := cc.checkout.StartCheckout(c.UserContext(), req)
	if err != nil {
		return cc.handleError(c, req.Category, err)
	}
	cc.metrics.Checkout(req.Category, "created")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id":   result.SessionID,
		"redirect_url": result.RedirectURL,
	})
}

// handleError maps checkout failures onto responses. Gateway errors are
// logged and reported with a generic message.
func (cc *CheckoutController) handleError(c *fiber.Ctx, category string, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, inventory.ErrMissingSlot):
		cc.metrics.Checkout(category, "invalid")
		return invalidRequest(c, err)
	case errors.Is(err, checkout.ErrUnknownCategory):
		cc.metrics.Checkout("unknown", "invalid")
		return jsonError(c, fiber.StatusNotFound, "unknown_category", "unknown checkout category")
	case errors.Is(err, checkout.ErrSlotUnavailable):
		cc.metrics.Checkout(category, "unavailable")
		return jsonError(c, fiber.StatusConflict, "slot_unavailable", "this slot is already booked")
	default:
		cc.metrics.Checkout(category, "failed")
		log.Errorf("[Checkout] session for %s failed: %v", category, err)
		return jsonError(c, fiber.StatusBadGateway, "checkout_failed", "payment could not be completed")
	}
}
