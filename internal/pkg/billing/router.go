// Package billing applies verified gateway events to orders, bookings and
// dunning cases. Every event runs in one transaction together with its
// idempotency ledger entry.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/ledger"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

// DefaultTimeout bounds one event's transaction.
const DefaultTimeout = 8 * time.Second

// Config tunes the router.
type Config struct {
	Timeout  time.Duration
	OpsEmail string
}

// ConfigFromEnv reads WEBHOOK_TIMEOUT and BILLING_OPS_EMAIL.
func ConfigFromEnv() Config {
	return Config{
		Timeout:  env.GetEnvDuration("WEBHOOK_TIMEOUT", DefaultTimeout),
		OpsEmail: env.GetEnv("BILLING_OPS_EMAIL", ""),
	}
}

// Router dispatches events to their handlers.
type Router struct {
	db        *gorm.DB
	allocator *inventory.Allocator
	bridge    *checkout.Bridge
	dunning   *dunning.Scheduler
	notifier  notify.Notifier
	metrics   *metrics.Collector
	cfg       Config
	now       func() time.Time
	handlers  map[webhook.EventType]handlerFunc
}

// Deps are the collaborators of a Router.
type Deps struct {
	DB        *gorm.DB
	Allocator *inventory.Allocator
	Bridge    *checkout.Bridge
	Dunning   *dunning.Scheduler
	Notifier  notify.Notifier
	Metrics   *metrics.Collector
}

// NewRouter creates a Router.
func NewRouter(d Deps, cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if d.Allocator == nil {
		d.Allocator = inventory.NewAllocator()
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	r := &Router{
		db:        d.DB,
		allocator: d.Allocator,
		bridge:    d.Bridge,
		dunning:   d.Dunning,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
	r.handlers = map[webhook.EventType]handlerFunc{
		webhook.TypeCheckoutCompleted:           r.handleCheckoutSettled,
		webhook.TypeCheckoutAsyncPaymentSuccess: r.handleCheckoutSettled,
		webhook.TypeCheckoutAsyncPaymentFailed:  r.handleCheckoutFailed,
		webhook.TypeCheckoutExpired:             r.handleCheckoutExpired,
		webhook.TypeSubscriptionCreated:         r.handleSubscription,
		webhook.TypeSubscriptionUpdated:         r.handleSubscription,
		webhook.TypeSubscriptionDeleted:         r.handleSubscription,
		webhook.TypeInvoicePaymentFailed:        r.handleInvoiceFailed,
		webhook.TypeInvoicePaymentSucceeded:     r.handleInvoicePaid,
		webhook.TypeInvoicePaid:                 r.handleInvoicePaid,
		webhook.TypeChargeRefunded:              r.handleChargeRefunded,
		webhook.TypeChargeDisputeCreated:        r.handleDisputeCreated,
	}
	return r
}

type handlerFunc func(ec *eventContext) error

// eventContext is handed to one handler invocation.
type eventContext struct {
	ctx      context.Context
	tx       *gorm.DB
	event    webhook.Event
	at       time.Time
	deferred []func(context.Context)
	err      error
}

// afterCommit queues fn to run once the transaction committed.
func (ec *eventContext) afterCommit(fn func(context.Context)) {
	ec.deferred = append(ec.deferred, fn)
}

// Route applies ev exactly once. It returns nil when the event was applied or
// had already been applied. A *ConflictError or *ValidationError is returned
// after the event was committed together with a review item; the gateway
// must not redeliver it. Any other error means nothing was written.
func (r *Router) Route(ctx context.Context, ev webhook.Event) error {
	started := time.Now()
	outcome := metrics.OutcomeApplied
	defer func() { r.metrics.ObserveWebhook(string(ev.Type), outcome, started) }()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	ec := &eventContext{ctx: ctx, event: ev, at: ev.Created.UTC()}
	if ec.at.IsZero() {
		ec.at = r.now().UTC()
	}

	var (
		duplicate  bool
		handlerErr error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := ledger.Record(tx, ev.ID, string(ev.Type), r.now())
		if err != nil {
			return fmt.Errorf("record event %s: %w", ev.ID, err)
		}
		if !recorded {
			duplicate = true
			return nil
		}

		// Handler writes run in a savepoint so an invalid payload leaves only
		// the ledger entry and its review item behind.
		handlerErr = tx.Transaction(func(htx *gorm.DB) error {
			ec.tx = htx
			return r.dispatch(ec)
		})
		if handlerErr == nil {
			handlerErr = ec.err
		}

		var conflict *ConflictError
		var invalid *ValidationError
		switch {
		case handlerErr == nil:
			return nil
		case errors.As(handlerErr, &conflict):
			return r.flag(tx, ev, conflict.Kind, handlerErr)
		case errors.As(handlerErr, &invalid):
			ec.deferred = nil
			return r.flag(tx, ev, models.ReviewKindInvalidPayload, handlerErr)
		default:
			return handlerErr
		}
	})
	if err != nil {
		outcome = metrics.OutcomeError
		log.Errorf("[Router] event %s (%s) rolled back: %v", ev.ID, ev.Type, err)
		return err
	}
	if duplicate {
		outcome = metrics.OutcomeDuplicate
		log.Debugf("[Router] event %s already processed", ev.ID)
		return nil
	}

	for _, fn := range ec.deferred {
		fn(ctx)
	}

	var conflict *ConflictError
	switch {
	case errors.As(handlerErr, &conflict):
		outcome = metrics.OutcomeConflict
		r.alertOps(ctx, ev, conflict)
	case handlerErr != nil:
		outcome = metrics.OutcomeInvalid
		log.Warnf("[Router] event %s (%s) acknowledged but invalid: %v", ev.ID, ev.Type, handlerErr)
	}
	return handlerErr
}

// Quarantine records an authenticated but undecodable event so it is
// acknowledged once and kept for review.
func (r *Router) Quarantine(ctx context.Context, ev webhook.Event, cause error) error {
	started := time.Now()
	outcome := metrics.OutcomeInvalid
	defer func() { r.metrics.ObserveWebhook(string(ev.Type), outcome, started) }()

	if ev.ID == "" {
		outcome = metrics.OutcomeRejected
		return &ValidationError{Detail: "event without id", Err: cause}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := ledger.Record(tx, ev.ID, string(ev.Type), r.now())
		if err != nil {
			outcome = metrics.OutcomeError
			return err
		}
		if !recorded {
			outcome = metrics.OutcomeDuplicate
			return nil
		}
		log.Warnf("[Router] quarantined malformed event %s (%s): %v", ev.ID, ev.Type, cause)
		return r.flag(tx, ev, models.ReviewKindInvalidPayload, cause)
	})
}

func (r *Router) dispatch(ec *eventContext) error {
	if _, ok := ec.event.Payload.(*webhook.Unknown); ok {
		log.Debugf("[Router] ignoring event type %s", ec.event.Type)
		return nil
	}
	h, ok := r.handlers[ec.event.Type]
	if !ok {
		log.Debugf("[Router] no handler for %s", ec.event.Type)
		return nil
	}
	err := h(ec)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		// Conflicts keep the handler's writes; stash it past the savepoint.
		ec.err = err
		return nil
	}
	return err
}

// notice queues n for delivery after commit.
func (r *Router) notice(ec *eventContext, n *notify.Notice) {
	if n == nil || n.To == "" {
		return
	}
	notice := *n
	ec.afterCommit(func(ctx context.Context) { notify.Send(ctx, r.notifier, notice) })
}

func (r *Router) flag(tx *gorm.DB, ev webhook.Event, kind string, cause error) error {
	item := &models.ReviewItem{
		ExternalEventID: ev.ID,
		EventType:       string(ev.Type),
		Kind:            kind,
		Detail:          cause.Error(),
		PayloadJSON:     string(ev.Raw),
	}
	if err := tx.Create(item).Error; err != nil {
		return fmt.Errorf("store review item: %w", err)
	}
	return nil
}

func (r *Router) alertOps(ctx context.Context, ev webhook.Event, conflict *ConflictError) {
	log.Errorf("[Router] event %s flagged for review (%s): %s", ev.ID, conflict.Kind, conflict.Detail)
	if r.cfg.OpsEmail == "" {
		return
	}
	notify.Send(ctx, r.notifier, notify.Notice{
		Kind:      notify.KindSlotConflict,
		To:        r.cfg.OpsEmail,
		Subject:   "Billing conflict needs review",
		Body:      fmt.Sprintf("<p>Event %s (%s): %s</p>", ev.ID, ev.Type, conflict.Detail),
		Reference: ev.ID,
	})
}
