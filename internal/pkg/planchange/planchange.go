// Package planchange previews and applies billing-interval changes of a
// slot subscription.
package planchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/proration"
)

var (
	ErrBookingNotFound = errors.New("planchange: booking not found")
	ErrSamePlan        = errors.New("planchange: subscription already on this plan")
	ErrNotChangeable   = errors.New("planchange: subscription cannot change plan now")
)

// Request names the subscription and the target billing interval.
type Request struct {
	SubscriptionID string `json:"subscription_id" validate:"required,max=191"`
	Interval       string `json:"interval" validate:"required,oneof=month year"`
}

// Preview is the outcome of a change at the time it was computed.
type Preview struct {
	SubscriptionID string `json:"subscription_id"`
	CurrentPriceID string `json:"current_price_id"`
	NewPriceID     string `json:"new_price_id"`
	proration.Result
}

// Service computes and applies plan changes.
type Service struct {
	db       *gorm.DB
	gw       gateway.Gateway
	catalog  *inventory.Catalog
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a Service.
func NewService(db *gorm.DB, gw gateway.Gateway, catalog *inventory.Catalog) *Service {
	return &Service{db: db, gw: gw, catalog: catalog, validate: validator.New(), now: time.Now}
}

// Validate checks a request.
func (s *Service) Validate(req Request) error {
	return s.validate.Struct(req)
}

// Preview prices the change without touching the gateway.
func (s *Service) Preview(ctx context.Context, userID uint, req Request) (*Preview, error) {
	p, _, err := s.preview(ctx, userID, req)
	return p, err
}

// Apply switches the subscription to the new price with proration. The
// booking itself follows once the gateway reports the updated subscription.
func (s *Service) Apply(ctx context.Context, userID uint, req Request) (*Preview, error) {
	p, booking, err := s.preview(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if err := s.gw.UpdateSubscriptionPrice(ctx, booking.ExternalSubscriptionID, p.NewPriceID, true); err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", booking.ExternalSubscriptionID, err)
	}
	log.Infof("[PlanChange] subscription %s moved to %s", booking.ExternalSubscriptionID, p.NewPriceID)
	return p, nil
}

func (s *Service) preview(ctx context.Context, userID uint, req Request) (*Preview, *models.Booking, error) {
	if err := s.Validate(req); err != nil {
		return nil, nil, err
	}

	var booking models.Booking
	err := s.db.WithContext(ctx).
		Where("external_subscription_id = ? AND advertiser_id = ?", strings.TrimSpace(req.SubscriptionID), userID).
		First(&booking).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if booking.Status != models.BookingStatusActive && booking.Status != models.BookingStatusTrialing {
		return nil, nil, fmt.Errorf("%w: status %s", ErrNotChangeable, booking.Status)
	}
	if booking.CurrentPeriodStart == nil || booking.CurrentPeriodEnd == nil {
		return nil, nil, fmt.Errorf("%w: no current period", ErrNotChangeable)
	}
	if booking.BillingInterval == req.Interval {
		return nil, nil, ErrSamePlan
	}

	product, err := s.catalog.FindProduct(ctx, booking.ResourceID, booking.Position)
	if err != nil {
		return nil, nil, fmt.Errorf("product for %s: %w", models.SlotKey(booking.ResourceID, booking.Position), err)
	}
	curID, curAmount, ok := product.PriceFor(booking.BillingInterval)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown interval %q", ErrNotChangeable, booking.BillingInterval)
	}
	newID, newAmount, _ := product.PriceFor(req.Interval)

	result, err := proration.ComputeProration(
		proration.Plan{PriceID: curID, Amount: curAmount, Currency: product.Currency, Interval: booking.BillingInterval},
		proration.Plan{PriceID: newID, Amount: newAmount, Currency: product.Currency, Interval: req.Interval},
		*booking.CurrentPeriodStart, *booking.CurrentPeriodEnd, s.now(),
	)
	if err != nil {
		return nil, nil, err
	}
	return &Preview{
		SubscriptionID: booking.ExternalSubscriptionID,
		CurrentPriceID: curID,
		NewPriceID:     newID,
		Result:         result,
	}, &booking, nil
}
