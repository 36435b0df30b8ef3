package billing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

const categoryOneTime = "one_time"

func checkoutSession(ec *eventContext) (*webhook.CheckoutSession, error) {
	cs, ok := ec.event.Payload.(*webhook.CheckoutSession)
	if !ok || cs == nil {
		return nil, invalidf("%s without checkout session", ec.event.Type)
	}
	return cs, nil
}

// handleCheckoutSettled records the order for a completed checkout and, for
// slot subscriptions, books the slot in the same transaction.
func (r *Router) handleCheckoutSettled(ec *eventContext) error {
	cs, err := checkoutSession(ec)
	if err != nil {
		return err
	}
	meta, err := r.sessionMetadata(ec, cs)
	if err != nil {
		return err
	}

	status := models.OrderStatusPending
	if cs.IsPaid() {
		status = models.OrderStatusPaid
	}
	order, changed, err := r.applyOrder(ec, cs, meta, status, true)
	if err != nil {
		return err
	}
	if order == nil || order.Status != models.OrderStatusPaid {
		return nil
	}
	if changed {
		r.notice(ec, &notify.Notice{
			Kind:      notify.KindOrderPaid,
			To:        cs.Email(),
			Subject:   "Thank you for your order",
			Body:      fmt.Sprintf("<p>We received %s for order %s.</p>", formatMinor(order.AmountMinor, order.Currency), order.PublicID),
			Reference: order.PublicID,
		})
	}

	if cs.Mode != "subscription" || cs.Subscription == "" {
		return nil
	}
	if _, _, err := inventory.SlotFromMetadata(meta); err != nil {
		log.Warnf("[Router] session %s has no slot metadata, booking waits for subscription events", cs.ID)
		return nil
	}
	_, _, err = r.allocator.AllocateOrUpdate(ec.ctx, ec.tx, inventory.SubscriptionEvent{
		Change:         inventory.ChangeCreated,
		SubscriptionID: cs.Subscription.String(),
		CustomerID:     cs.Customer.String(),
		Interval:       meta[models.MetaInterval],
		Status:         models.BookingStatusActive,
		Metadata:       meta,
		OccurredAt:     ec.at,
	})
	return allocationError(err)
}

// handleCheckoutFailed cancels the order of a session whose delayed payment
// failed.
func (r *Router) handleCheckoutFailed(ec *eventContext) error {
	cs, err := checkoutSession(ec)
	if err != nil {
		return err
	}
	meta, err := r.sessionMetadata(ec, cs)
	if err != nil {
		return err
	}
	order, changed, err := r.applyOrder(ec, cs, meta, models.OrderStatusCanceled, true)
	if err != nil || order == nil || !changed {
		return err
	}
	r.notice(ec, &notify.Notice{
		Kind:      notify.KindOrderFailed,
		To:        cs.Email(),
		Subject:   "Your payment could not be completed",
		Body:      "<p>Your payment could not be completed. No booking was made.</p>",
		Reference: order.PublicID,
	})
	return nil
}

// handleCheckoutExpired drops the correlation of an abandoned session and
// cancels a pending order if one exists.
func (r *Router) handleCheckoutExpired(ec *eventContext) error {
	cs, err := checkoutSession(ec)
	if err != nil {
		return err
	}
	if r.bridge != nil {
		if err := r.bridge.Discard(ec.ctx, ec.tx, cs.ID); err != nil {
			return err
		}
	}
	_, _, err = r.applyOrder(ec, cs, nil, models.OrderStatusCanceled, false)
	return err
}

// sessionMetadata overlays the stored correlation on the payload metadata.
// A missing or expired correlation is not an error.
func (r *Router) sessionMetadata(ec *eventContext, cs *webhook.CheckoutSession) (map[string]string, error) {
	if r.bridge == nil {
		return checkout.Merge(cs.Metadata, nil), nil
	}
	stored, ok, err := r.bridge.Resolve(ec.ctx, ec.tx, cs.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debugf("[Router] no correlation for session %s, using payload metadata", cs.ID)
	}
	return checkout.Merge(cs.Metadata, stored), nil
}

// applyOrder creates the order for the session or moves the existing one to
// status. It reports whether anything changed. Disallowed transitions are
// skipped, not errors. With create=false a missing order is left alone.
func (r *Router) applyOrder(ec *eventContext, cs *webhook.CheckoutSession, meta map[string]string, status string, create bool) (*models.Order, bool, error) {
	if create {
		order := newOrder(cs, meta, status)
		res := ec.tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_session_id"}},
			DoNothing: true,
		}).Create(order)
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected > 0 {
			log.Infof("[Router] order %s created for session %s (%s)", order.PublicID, cs.ID, status)
			return order, true, nil
		}
	}

	var existing models.Order
	err := ec.tx.Where("external_session_id = ?", cs.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if cs.AmountTotal > 0 && existing.AmountMinor > 0 && existing.AmountMinor != cs.AmountTotal {
		return &existing, false, &ConflictError{
			Kind:   models.ReviewKindDuplicateOrder,
			Detail: fmt.Sprintf("session %s settled again with amount %d, order %s has %d", cs.ID, cs.AmountTotal, existing.PublicID, existing.AmountMinor),
		}
	}
	if existing.Status == status {
		return &existing, false, nil
	}
	if !existing.CanTransition(status) {
		log.Infof("[Router] order %s stays %s, ignoring %s", existing.PublicID, existing.Status, status)
		return &existing, false, nil
	}

	existing.Status = status
	if existing.ExternalPaymentIntentID == "" {
		existing.ExternalPaymentIntentID = cs.PaymentIntent.String()
	}
	if err := ec.tx.Save(&existing).Error; err != nil {
		return nil, false, err
	}
	log.Infof("[Router] order %s is now %s", existing.PublicID, status)
	return &existing, true, nil
}

func newOrder(cs *webhook.CheckoutSession, meta map[string]string, status string) *models.Order {
	category := strings.TrimSpace(meta[models.MetaCategory])
	if category == "" {
		category = categoryOneTime
		if cs.Mode == "subscription" {
			category = checkout.CategorySlot
		}
	}
	org := strings.TrimSpace(meta[models.MetaOrganization])
	if org == "" {
		org = strings.TrimSpace(cs.CustomerDetails.Name)
	}
	currency := strings.ToLower(strings.TrimSpace(cs.Currency))
	if currency == "" {
		currency = "eur"
	}

	order := &models.Order{
		ExternalSessionID:       cs.ID,
		ExternalPaymentIntentID: cs.PaymentIntent.String(),
		ExternalCustomerID:      cs.Customer.String(),
		OrganizationName:        org,
		ContactEmail:            cs.Email(),
		Category:                category,
		Status:                  status,
		AmountMinor:             cs.AmountTotal,
		Currency:                currency,
	}
	if id, err := strconv.ParseUint(strings.TrimSpace(meta[models.MetaUserID]), 10, 64); err == nil && id > 0 {
		uid := uint(id)
		order.UserID = &uid
	}
	return order
}

// allocationError maps allocator failures onto the error taxonomy.
func allocationError(err error) error {
	var slotErr *inventory.SlotConflictError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &slotErr):
		return &ConflictError{Kind: models.ReviewKindSlotConflict, Detail: slotErr.Error() + ", refund required", Err: err}
	case errors.Is(err, inventory.ErrMissingSlot):
		return &ValidationError{Detail: "subscription names no slot", Err: err}
	default:
		return err
	}
}

func formatMinor(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
