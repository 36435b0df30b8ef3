package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/repository"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
)

// AdminBillingController exposes the manual review queue to operators
type AdminBillingController struct {
	reviews repository.ReviewRepository
	orders  repository.OrderRepository
}

// NewAdminBillingController creates a new admin billing controller
func NewAdminBillingController(repos *repository.Repositories) *AdminBillingController {
	return &AdminBillingController{reviews: repos.Review, orders: repos.Order}
}

// HandleListReviews lists unresolved review items
func (ac *AdminBillingController) HandleListReviews(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	items, err := ac.reviews.ListOpen(offset, limit)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load review items")
	}
	total, err := ac.reviews.CountOpen()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to count review items")
	}
	return c.JSON(fiber.Map{"items": items, "total": total, "offset": offset, "limit": limit})
}

// HandleResolveReview marks a review item as handled
func (ac *AdminBillingController) HandleResolveReview(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid review id")
	}
	if err := ac.reviews.Resolve(uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "review item not found or already resolved")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to resolve review item")
	}
	log.Infof("[Admin] review item %d resolved by user %d", id, usercontext.GetUserID(c))
	return c.JSON(fiber.Map{"resolved": true})
}

// HandleOrderStats returns order counts per status
func (ac *AdminBillingController) HandleOrderStats(c *fiber.Ctx) error {
	counts, err := ac.orders.CountByStatus()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load order stats")
	}
	return c.JSON(fiber.Map{"orders": counts})
}
