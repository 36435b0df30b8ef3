package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

func invoicePayload(ec *eventContext) (*webhook.Invoice, error) {
	inv, ok := ec.event.Payload.(*webhook.Invoice)
	if !ok || inv == nil {
		return nil, invalidf("%s without invoice", ec.event.Type)
	}
	return inv, nil
}

// handleInvoiceFailed opens or escalates the dunning case of a subscription
// invoice.
func (r *Router) handleInvoiceFailed(ec *eventContext) error {
	inv, err := invoicePayload(ec)
	if err != nil {
		return err
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		log.Infof("[Router] invoice %s has no subscription, no dunning", inv.ID)
		return nil
	}
	if r.dunning == nil {
		return nil
	}

	since := unixTime(inv.DueDate)
	if since == nil {
		since = unixTime(inv.Created)
	}
	f := dunning.Failure{
		InvoiceID:      inv.ID,
		SubscriptionID: subID,
		CustomerID:     inv.Customer.String(),
		Email:          inv.CustomerEmail,
		AmountDue:      inv.AmountDue,
		Currency:       inv.Currency,
		AttemptCount:   inv.AttemptCount,
		NextRetryAt:    unixTime(inv.NextPaymentAttempt),
		ErrorMessage:   inv.PaymentErrorMessage(),
		OccurredAt:     ec.at,
	}
	if since != nil {
		f.OverdueSince = *since
	}

	c, n, err := r.dunning.OnPaymentFailed(ec.ctx, ec.tx, f)
	if err != nil {
		return err
	}
	if n != nil {
		stage := string(c.Stage)
		ec.afterCommit(func(context.Context) { r.metrics.DunningStage(stage) })
		r.notice(ec, n)
	}
	return nil
}

// handleInvoicePaid resolves the invoice's dunning case.
func (r *Router) handleInvoicePaid(ec *eventContext) error {
	inv, err := invoicePayload(ec)
	if err != nil {
		return err
	}
	if r.dunning == nil {
		return nil
	}
	c, n, err := r.dunning.OnPaymentSucceeded(ec.ctx, ec.tx, inv.ID, ec.at)
	if err != nil {
		return err
	}
	if n != nil {
		stage := string(c.Stage)
		ec.afterCommit(func(context.Context) { r.metrics.DunningStage(stage) })
		r.notice(ec, n)
	}
	return nil
}

// handleChargeRefunded marks the order refunded once the charge is fully
// refunded. Partial refunds are left to the operator.
func (r *Router) handleChargeRefunded(ec *eventContext) error {
	ch, ok := ec.event.Payload.(*webhook.Charge)
	if !ok || ch == nil {
		return invalidf("%s without charge", ec.event.Type)
	}
	if !ch.Refunded {
		log.Infof("[Router] charge %s partially refunded (%d of %d)", ch.ID, ch.AmountRefunded, ch.Amount)
		return nil
	}
	return r.transitionByPaymentIntent(ec, ch.PaymentIntent.String(), models.OrderStatusRefunded)
}

// handleDisputeCreated marks the order disputed.
func (r *Router) handleDisputeCreated(ec *eventContext) error {
	d, ok := ec.event.Payload.(*webhook.Dispute)
	if !ok || d == nil {
		return invalidf("%s without dispute", ec.event.Type)
	}
	log.Warnf("[Router] dispute %s opened on charge %s: %s", d.ID, d.Charge, d.Reason)
	return r.transitionByPaymentIntent(ec, d.PaymentIntent.String(), models.OrderStatusDisputed)
}

func (r *Router) transitionByPaymentIntent(ec *eventContext, paymentIntentID, status string) error {
	if paymentIntentID == "" {
		return nil
	}
	var order models.Order
	err := ec.tx.Where("external_payment_intent_id = ?", paymentIntentID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Infof("[Router] no order for payment %s", paymentIntentID)
		return nil
	}
	if err != nil {
		return err
	}
	if !order.CanTransition(status) {
		log.Infof("[Router] order %s stays %s, ignoring %s", order.PublicID, order.Status, status)
		return nil
	}
	if err := ec.tx.Model(&order).Update("status", status).Error; err != nil {
		return err
	}
	log.Infof("[Router] order %s is now %s", order.PublicID, status)
	return nil
}
