package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/ledger"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	router   *Router
	db       *gorm.DB
	bridge   *checkout.Bridge
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	rn := &recordingNotifier{}
	bridge := checkout.NewBridge(db, time.Hour)
	sched := dunning.NewScheduler(db, gateway.NewMockGateway(), rn, dunning.Config{})
	r := NewRouter(Deps{DB: db, Bridge: bridge, Dunning: sched, Notifier: rn, Metrics: metrics.New()}, Config{})
	return &fixture{router: r, db: db, bridge: bridge, notifier: rn}
}

func event(t *testing.T, id string, typ webhook.EventType, at time.Time, object interface{}) webhook.Event {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	raw := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":%s}}`, id, typ, at.Unix(), obj))
	ev, err := webhook.Decode(raw)
	require.NoError(t, err)
	return ev
}

func slotMeta() map[string]string {
	return map[string]string{
		models.MetaResourceID:   "R",
		models.MetaPosition:     "1",
		models.MetaInterval:     "month",
		models.MetaAdvertiserID: "7",
		models.MetaUserID:       "7",
		models.MetaCategory:     checkout.CategorySlot,
	}
}

func completedSession(id, sub string, paid bool, meta map[string]string) map[string]interface{} {
	status := "unpaid"
	if paid {
		status = "paid"
	}
	return map[string]interface{}{
		"id":             id,
		"mode":           "subscription",
		"status":         "complete",
		"payment_status": status,
		"customer":       "cus_1",
		"subscription":   sub,
		"payment_intent": "pi_" + id,
		"amount_total":   5000,
		"currency":       "usd",
		"customer_details": map[string]string{
			"email": "ads@example.com",
			"name":  "Acme",
		},
		"metadata": meta,
	}
}

func subscriptionObject(id, status string, meta map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"customer":             "cus_1",
		"status":               status,
		"metadata":             meta,
		"current_period_start": base.Unix(),
		"current_period_end":   base.AddDate(0, 1, 0).Unix(),
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"id":    "si_1",
				"price": map[string]interface{}{"id": "price_m", "recurring": map[string]string{"interval": "month"}},
			}},
		},
	}
}

func count(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestSettlementCreatesOrderAndBookingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bridge.CreateCorrelation(ctx, "cs_1", "cus_1", slotMeta(), 0))

	ev := event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", true, nil))
	require.NoError(t, f.router.Route(ctx, ev))

	var order models.Order
	require.NoError(t, f.db.Where("external_session_id = ?", "cs_1").First(&order).Error)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, checkout.CategorySlot, order.Category)
	assert.Equal(t, int64(5000), order.AmountMinor)
	require.NotNil(t, order.UserID)
	assert.Equal(t, uint(7), *order.UserID)
	assert.NotEmpty(t, order.PublicID)

	var booking models.Booking
	require.NoError(t, f.db.Where("external_subscription_id = ?", "sub_1").First(&booking).Error)
	assert.Equal(t, models.BookingStatusActive, booking.Status)
	assert.Equal(t, "R", booking.ResourceID)
	assert.Equal(t, 1, booking.Position)
	assert.Equal(t, models.BillingIntervalMonth, booking.BillingInterval)
	assert.Equal(t, []string{notify.KindOrderPaid}, f.notifier.kinds())

	// Identical redelivery is a no-op.
	require.NoError(t, f.router.Route(ctx, ev))
	// So is the same settlement under a new event id.
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", true, nil))))

	assert.Equal(t, int64(1), count(t, f.db, &models.Order{}))
	assert.Equal(t, int64(1), count(t, f.db, &models.Booking{}))
	assert.Equal(t, int64(2), count(t, f.db, &models.ProcessedEvent{}))
	assert.Equal(t, int64(0), count(t, f.db, &models.ReviewItem{}))
	assert.Len(t, f.notifier.kinds(), 1)
}

func TestSettlementFallsBackToPayloadMetadata(t *testing.T) {
	f := newFixture(t)
	ev := event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_9", "sub_9", true, slotMeta()))
	require.NoError(t, f.router.Route(context.Background(), ev))

	var booking models.Booking
	require.NoError(t, f.db.Where("external_subscription_id = ?", "sub_9").First(&booking).Error)
	assert.Equal(t, uint(7), booking.AdvertiserID)
}

func TestHandlerFailureRollsBackLedgerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", true, slotMeta()))

	original := f.router.handlers[webhook.TypeCheckoutCompleted]
	f.router.handlers[webhook.TypeCheckoutCompleted] = func(ec *eventContext) error {
		require.NoError(t, original(ec))
		return errors.New("storage unavailable")
	}

	err := f.router.Route(ctx, ev)
	require.Error(t, err)
	assert.False(t, Acknowledged(err))

	seen, err := ledger.Seen(f.db, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, int64(0), count(t, f.db, &models.Order{}))
	assert.Equal(t, int64(0), count(t, f.db, &models.Booking{}))
	assert.Empty(t, f.notifier.kinds())

	f.router.handlers[webhook.TypeCheckoutCompleted] = original
	require.NoError(t, f.router.Route(ctx, ev))
	assert.Equal(t, int64(1), count(t, f.db, &models.Order{}))
	assert.Equal(t, int64(1), count(t, f.db, &models.Booking{}))
}

func TestSlotConflictIsAcknowledgedAndFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_a", webhook.TypeSubscriptionCreated, base, subscriptionObject("sub_a", "active", slotMeta()))))

	ev := event(t, "evt_b", webhook.TypeSubscriptionCreated, base.Add(time.Minute), subscriptionObject("sub_b", "active", slotMeta()))
	err := f.router.Route(ctx, ev)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.ReviewKindSlotConflict, conflict.Kind)
	assert.True(t, Acknowledged(err))

	var items []models.ReviewItem
	require.NoError(t, f.db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, "evt_b", items[0].ExternalEventID)
	assert.Contains(t, items[0].PayloadJSON, "sub_b")

	seen, err := ledger.Seen(f.db, "evt_b")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, int64(1), count(t, f.db, &models.Booking{}))

	// Redelivery does not raise a second review item.
	require.NoError(t, f.router.Route(ctx, ev))
	assert.Equal(t, int64(1), count(t, f.db, &models.ReviewItem{}))
}

func TestSettlementSlotConflictKeepsPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_a", webhook.TypeSubscriptionCreated, base, subscriptionObject("sub_a", "active", slotMeta()))))
	err := f.router.Route(ctx, event(t, "evt_b", webhook.TypeCheckoutCompleted, base, completedSession("cs_2", "sub_b", true, slotMeta())))
	require.True(t, Acknowledged(err))
	require.Error(t, err)

	var order models.Order
	require.NoError(t, f.db.Where("external_session_id = ?", "cs_2").First(&order).Error)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(1), count(t, f.db, &models.ReviewItem{}))
}

func TestInvalidPayloadIsFlaggedWithoutEffects(t *testing.T) {
	f := newFixture(t)
	ev := event(t, "evt_1", webhook.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "active", nil))

	err := f.router.Route(context.Background(), ev)
	var invalid *ValidationError
	require.True(t, errors.As(err, &invalid))
	assert.True(t, Acknowledged(err))

	var item models.ReviewItem
	require.NoError(t, f.db.First(&item).Error)
	assert.Equal(t, models.ReviewKindInvalidPayload, item.Kind)
	assert.Equal(t, int64(0), count(t, f.db, &models.Booking{}))
}

func TestConcurrentDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ev := event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", true, slotMeta()))

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.router.Route(context.Background(), ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), count(t, f.db, &models.Order{}))
	assert.Equal(t, int64(1), count(t, f.db, &models.Booking{}))
	assert.Len(t, f.notifier.kinds(), 1)
}

func TestAsyncPaymentSettlesPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", false, slotMeta()))))
	var order models.Order
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(0), count(t, f.db, &models.Booking{}))

	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeCheckoutAsyncPaymentSuccess, base.Add(time.Hour), completedSession("cs_1", "sub_1", true, slotMeta()))))
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(1), count(t, f.db, &models.Booking{}))
}

func TestAsyncPaymentFailureCancelsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeCheckoutCompleted, base, completedSession("cs_1", "sub_1", false, slotMeta()))))
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeCheckoutAsyncPaymentFailed, base.Add(time.Hour), completedSession("cs_1", "sub_1", false, slotMeta()))))

	var order models.Order
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)
	assert.Equal(t, []string{notify.KindOrderFailed}, f.notifier.kinds())
}

func TestCheckoutExpiredDiscardsCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bridge.CreateCorrelation(ctx, "cs_1", "cus_1", slotMeta(), 0))

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeCheckoutExpired, base, completedSession("cs_1", "", false, nil))))
	assert.Equal(t, int64(0), count(t, f.db, &models.CheckoutSessionCorrelation{}))
	assert.Equal(t, int64(0), count(t, f.db, &models.Order{}))
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "incomplete", slotMeta()))))
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeSubscriptionUpdated, base.Add(time.Minute), subscriptionObject("sub_1", "active", nil))))

	var b models.Booking
	require.NoError(t, f.db.First(&b).Error)
	assert.Equal(t, models.BookingStatusActive, b.Status)
	assert.Equal(t, "price_m", b.ExternalPriceID)
	require.NotNil(t, b.CurrentPeriodEnd)

	// A stale update does not undo the newer state.
	require.NoError(t, f.router.Route(ctx, event(t, "evt_0", webhook.TypeSubscriptionUpdated, base.Add(-time.Hour), subscriptionObject("sub_1", "incomplete", nil))))
	require.NoError(t, f.db.First(&b).Error)
	assert.Equal(t, models.BookingStatusActive, b.Status)
}

func TestSubscriptionDeletedClosesDunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "active", slotMeta()))))
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeInvoicePaymentFailed, base.Add(time.Hour), invoiceObject("in_1", "sub_1"))))

	require.NoError(t, f.router.Route(ctx, event(t, "evt_3", webhook.TypeSubscriptionDeleted, base.Add(2*time.Hour), subscriptionObject("sub_1", "canceled", nil))))

	var b models.Booking
	require.NoError(t, f.db.First(&b).Error)
	assert.Equal(t, models.BookingStatusCanceled, b.Status)
	assert.NotNil(t, b.CanceledAt)

	var c models.DunningCase
	require.NoError(t, f.db.First(&c).Error)
	assert.Equal(t, models.DunningStageSubscriptionCanceled, c.Stage)
}

func invoiceObject(id, sub string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"customer":       "cus_1",
		"customer_email": "ads@example.com",
		"subscription":   sub,
		"amount_due":     5000,
		"currency":       "usd",
		"attempt_count":  1,
		"created":        base.Unix(),
	}
}

func TestInvoiceEventsDriveDunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeInvoicePaymentFailed, base, invoiceObject("in_1", "sub_1"))))
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeInvoicePaymentFailed, base.Add(3*24*time.Hour), invoiceObject("in_1", "sub_1"))))

	var c models.DunningCase
	require.NoError(t, f.db.First(&c).Error)
	assert.Equal(t, models.DunningStageUrgent, c.Stage)

	require.NoError(t, f.router.Route(ctx, event(t, "evt_3", webhook.TypeInvoicePaid, base.Add(4*24*time.Hour), invoiceObject("in_1", "sub_1"))))
	require.NoError(t, f.db.First(&c).Error)
	assert.Equal(t, models.DunningStageResolved, c.Stage)

	assert.Equal(t, []string{notify.KindDunningReminder, notify.KindDunningUrgent, notify.KindDunningResolved}, f.notifier.kinds())
}

func TestInvoiceFailureRecordsPaymentError(t *testing.T) {
	tests := []struct {
		name   string
		extra  map[string]interface{}
		expect string
	}{
		{
			name: "expanded payment intent",
			extra: map[string]interface{}{
				"payment_intent":          map[string]interface{}{"id": "pi_1", "last_payment_error": map[string]string{"message": "Your card was declined."}},
				"last_finalization_error": map[string]string{"message": "finalization failed"},
			},
			expect: "Your card was declined.",
		},
		{
			name: "expanded charge",
			extra: map[string]interface{}{
				"payment_intent": "pi_1",
				"charge":         map[string]interface{}{"id": "ch_1", "failure_message": "Insufficient funds."},
			},
			expect: "Insufficient funds.",
		},
		{
			name:   "finalization error only",
			extra:  map[string]interface{}{"last_finalization_error": map[string]string{"message": "finalization failed"}},
			expect: "finalization failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			obj := invoiceObject("in_1", "sub_1")
			for k, v := range tt.extra {
				obj[k] = v
			}
			require.NoError(t, f.router.Route(context.Background(), event(t, "evt_1", webhook.TypeInvoicePaymentFailed, base, obj)))

			var c models.DunningCase
			require.NoError(t, f.db.First(&c).Error)
			assert.Equal(t, tt.expect, c.LastErrorMessage)
		})
	}
}

func TestInvoiceWithoutSubscriptionIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Route(context.Background(), event(t, "evt_1", webhook.TypeInvoicePaymentFailed, base, invoiceObject("in_1", ""))))
	assert.Equal(t, int64(0), count(t, f.db, &models.DunningCase{}))
}

func TestRefundAndDisputeFollowOrderTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := completedSession("cs_1", "", true, map[string]string{models.MetaCategory: "listing"})
	session["mode"] = "payment"
	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeCheckoutCompleted, base, session)))

	partial := map[string]interface{}{"id": "ch_1", "payment_intent": "pi_cs_1", "amount": 5000, "amount_refunded": 1000, "refunded": false}
	require.NoError(t, f.router.Route(ctx, event(t, "evt_2", webhook.TypeChargeRefunded, base.Add(time.Hour), partial)))

	var order models.Order
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, "listing", order.Category)

	full := map[string]interface{}{"id": "ch_1", "payment_intent": "pi_cs_1", "amount": 5000, "amount_refunded": 5000, "refunded": true}
	require.NoError(t, f.router.Route(ctx, event(t, "evt_3", webhook.TypeChargeRefunded, base.Add(2*time.Hour), full)))
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)

	dispute := map[string]interface{}{"id": "dp_1", "charge": "ch_1", "payment_intent": "pi_cs_1", "reason": "fraudulent"}
	require.NoError(t, f.router.Route(ctx, event(t, "evt_4", webhook.TypeChargeDisputeCreated, base.Add(3*time.Hour), dispute)))
	require.NoError(t, f.db.First(&order).Error)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Equal(t, int64(0), count(t, f.db, &models.Booking{}))
}

func TestDuplicateOrderWithDifferentAmountIsFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := completedSession("cs_1", "", true, nil)
	session["mode"] = "payment"
	require.NoError(t, f.router.Route(ctx, event(t, "evt_1", webhook.TypeCheckoutCompleted, base, session)))

	session["amount_total"] = 9900
	err := f.router.Route(ctx, event(t, "evt_2", webhook.TypeCheckoutCompleted, base, session))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.ReviewKindDuplicateOrder, conflict.Kind)
	assert.Equal(t, int64(1), count(t, f.db, &models.Order{}))
}

func TestUnknownEventIsRecordedAndIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Route(context.Background(), event(t, "evt_1", "customer.created", base, map[string]string{"id": "cus_1"})))

	seen, err := ledger.Seen(f.db, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestQuarantineRecordsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := webhook.Event{ID: "evt_bad", Type: webhook.TypeInvoicePaid, Raw: []byte(`{"id":"evt_bad"}`)}

	require.NoError(t, f.router.Quarantine(ctx, ev, webhook.ErrMalformedEvent))
	require.NoError(t, f.router.Quarantine(ctx, ev, webhook.ErrMalformedEvent))
	assert.Equal(t, int64(1), count(t, f.db, &models.ReviewItem{}))

	err := f.router.Quarantine(ctx, webhook.Event{}, webhook.ErrMalformedEvent)
	assert.Error(t, err)
}
