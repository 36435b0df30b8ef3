package billing

import (
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

// handleSubscription applies customer.subscription.* to the booking. A
// subscription that ends also closes its open dunning cases.
func (r *Router) handleSubscription(ec *eventContext) error {
	sub, ok := ec.event.Payload.(*webhook.Subscription)
	if !ok || sub == nil {
		return invalidf("%s without subscription", ec.event.Type)
	}

	change := inventory.ChangeUpdated
	switch ec.event.Type {
	case webhook.TypeSubscriptionCreated:
		change = inventory.ChangeCreated
	case webhook.TypeSubscriptionDeleted:
		change = inventory.ChangeDeleted
	}

	start, end := sub.Period()
	booking, outcome, err := r.allocator.AllocateOrUpdate(ec.ctx, ec.tx, inventory.SubscriptionEvent{
		Change:         change,
		SubscriptionID: sub.ID,
		CustomerID:     sub.Customer.String(),
		PriceID:        sub.PriceID(),
		Interval:       sub.Interval(),
		Status:         sub.Status,
		Metadata:       sub.Metadata,
		PeriodStart:    unixTime(start),
		PeriodEnd:      unixTime(end),
		CanceledAt:     unixTime(sub.CanceledAt),
		OccurredAt:     ec.at,
	})
	if err := allocationError(err); err != nil {
		return err
	}
	ended := change == inventory.ChangeDeleted ||
		(outcome != inventory.OutcomeSkipped && booking != nil && booking.Status == models.BookingStatusCanceled)
	if !ended || r.dunning == nil {
		return nil
	}
	closed, err := r.dunning.OnSubscriptionCanceled(ec.ctx, ec.tx, sub.ID, ec.at)
	if err != nil {
		return err
	}
	if closed > 0 {
		log.Infof("[Router] subscription %s ended with %d open dunning case(s)", sub.ID, closed)
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
