package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/app/repository"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/planchange"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
)

// BillingController serves the advertiser's billing views and actions
type BillingController struct {
	dunning  *dunning.Scheduler
	plans    *planchange.Service
	bookings repository.BookingRepository
	orders   repository.OrderRepository
}

// NewBillingController creates a new billing controller
func NewBillingController(d *dunning.Scheduler, plans *planchange.Service, repos *repository.Repositories) *BillingController {
	return &BillingController{
		dunning:  d,
		plans:    plans,
		bookings: repos.Booking,
		orders:   repos.Order,
	}
}

// RetryRequest is the body of POST /billing/dunning/retry
type RetryRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required,max=191"`
}

var retryValidator = validator.New()

// HandleDunningStatus lists the caller's dunning cases
func (bc *BillingController) HandleDunningStatus(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	includeClosed := c.QueryBool("include_closed", false)

	if invoiceID := strings.TrimSpace(c.Query("invoice_id")); invoiceID != "" {
		dc, err := bc.dunning.FindForUser(c.UserContext(), invoiceID, userID)
		if errors.Is(err, dunning.ErrCaseNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "no dunning case for this invoice")
		}
		if err != nil {
			log.Errorf("[Billing] dunning lookup for user %d failed: %v", userID, err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load dunning status")
		}
		return c.JSON(fiber.Map{"cases": []interface{}{dc}})
	}

	cases, err := bc.dunning.ListForUser(c.UserContext(), userID, includeClosed)
	if err != nil {
		log.Errorf("[Billing] dunning list for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load dunning status")
	}
	return c.JSON(fiber.Map{"cases": cases})
}

// HandleDunningRetry asks the gateway to collect an overdue invoice now
func (bc *BillingController) HandleDunningRetry(c *fiber.Ctx) error {
	var req RetryRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidRequest(c, err)
	}
	if err := retryValidator.Struct(req); err != nil {
		return invalidRequest(c, err)
	}

	dc, err := bc.dunning.ManualRetry(c.UserContext(), req.InvoiceID, usercontext.GetUserID(c))
	var declined *dunning.RetryDeclinedError
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"case": dc})
	case errors.Is(err, dunning.ErrCaseNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "no dunning case for this invoice")
	case errors.Is(err, dunning.ErrCaseClosed):
		return jsonError(c, fiber.StatusConflict, "case_closed", "this invoice no longer needs payment")
	case errors.Is(err, dunning.ErrRetryCooldown):
		return jsonError(c, fiber.StatusTooManyRequests, "retry_cooldown", "please wait before retrying this payment")
	case errors.As(err, &declined):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "payment_declined",
			"message": declined.Reason,
			"case":    dc,
		})
	default:
		log.Errorf("[Billing] manual retry for %s failed: %v", req.InvoiceID, err)
		return jsonError(c, fiber.StatusBadGateway, "payment_declined", gateway.GenericDeclineMessage)
	}
}

// HandlePreviewPlanChange prices a plan change without applying it
func (bc *BillingController) HandlePreviewPlanChange(c *fiber.Ctx) error {
	var req planchange.Request
	if err := c.BodyParser(&req); err != nil {
		return invalidRequest(c, err)
	}
	preview, err := bc.plans.Preview(c.UserContext(), usercontext.GetUserID(c), req)
	if err != nil {
		return bc.planChangeError(c, err)
	}
	return c.JSON(preview)
}

// HandleUpdatePlan applies a plan change with proration
func (bc *BillingController) HandleUpdatePlan(c *fiber.Ctx) error {
	var req planchange.Request
	if err := c.BodyParser(&req); err != nil {
		return invalidRequest(c, err)
	}
	result, err := bc.plans.Apply(c.UserContext(), usercontext.GetUserID(c), req)
	if err != nil {
		return bc.planChangeError(c, err)
	}
	return c.JSON(fiber.Map{"updated": true, "proration": result})
}

func (bc *BillingController) planChangeError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return invalidRequest(c, err)
	case errors.Is(err, planchange.ErrBookingNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "subscription not found")
	case errors.Is(err, planchange.ErrSamePlan):
		return jsonError(c, fiber.StatusConflict, "same_plan", "subscription is already on this plan")
	default:
		log.Warnf("[Billing] plan change for user %d failed: %v", usercontext.GetUserID(c), err)
		return jsonError(c, fiber.StatusUnprocessableEntity, "plan_change_failed", "unable to calculate plan change")
	}
}

// HandleListBookings lists the caller's slot bookings
func (bc *BillingController) HandleListBookings(c *fiber.Ctx) error {
	bookings, err := bc.bookings.ListByAdvertiserID(usercontext.GetUserID(c))
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load bookings")
	}
	return c.JSON(fiber.Map{"bookings": bookings})
}

// HandleListOrders lists the caller's orders
func (bc *BillingController) HandleListOrders(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	orders, err := bc.orders.ListByUserID(usercontext.GetUserID(c), offset, limit)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load orders")
	}
	return c.JSON(fiber.Map{"orders": orders, "offset": offset, "limit": limit})
}
