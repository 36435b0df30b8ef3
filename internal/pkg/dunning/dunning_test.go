package dunning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
)

var due = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return due.Add(time.Duration(n-1) * 24 * time.Hour) }

type recordingNotifier struct{ notices []notify.Notice }

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) error {
	r.notices = append(r.notices, n)
	return nil
}

func setup(t *testing.T) (*Scheduler, *gorm.DB, *gateway.MockGateway, *recordingNotifier) {
	t.Helper()
	db := dbtest.Open(t)
	gw := gateway.NewMockGateway()
	rn := &recordingNotifier{}
	return NewScheduler(db, gw, rn, Config{}), db, gw, rn
}

func failure(at time.Time, attempt int) Failure {
	return Failure{
		InvoiceID: "in_1", SubscriptionID: "sub_1", CustomerID: "cus_1", Email: "ads@example.com",
		AmountDue: 5000, Currency: "usd", AttemptCount: attempt,
		OverdueSince: due, OccurredAt: at, ErrorMessage: "card_declined",
	}
}

func fail(t *testing.T, s *Scheduler, db *gorm.DB, f Failure) (*models.DunningCase, *notify.Notice) {
	t.Helper()
	c, n, err := s.OnPaymentFailed(context.Background(), db, f)
	require.NoError(t, err)
	return c, n
}

func TestStageForDays(t *testing.T) {
	tests := []struct {
		days int
		want models.DunningStage
	}{
		{1, models.DunningStageReminder}, {2, models.DunningStageReminder},
		{3, models.DunningStageUrgent}, {6, models.DunningStageUrgent},
		{7, models.DunningStageFinal}, {30, models.DunningStageFinal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StageForDays(tt.days), "day %d", tt.days)
	}
	assert.Equal(t, 1, DaysOverdue(due, due))
	assert.Equal(t, 1, DaysOverdue(due, due.Add(-time.Hour)))
	assert.Equal(t, 4, DaysOverdue(due, day(4).Add(time.Hour)))
}

func TestEscalationIsMonotonic(t *testing.T) {
	s, db, _, _ := setup(t)

	c, n := fail(t, s, db, failure(day(1), 1))
	assert.Equal(t, models.DunningStageReminder, c.Stage)
	require.NotNil(t, n)
	assert.Equal(t, notify.KindDunningReminder, n.Kind)

	c, n = fail(t, s, db, failure(day(4), 2))
	assert.Equal(t, models.DunningStageUrgent, c.Stage)
	assert.Equal(t, notify.KindDunningUrgent, n.Kind)

	c, n = fail(t, s, db, failure(day(8), 3))
	assert.Equal(t, models.DunningStageFinal, c.Stage)
	assert.Equal(t, notify.KindDunningFinal, n.Kind)
	assert.Equal(t, 3, c.AttemptCount)

	// A further failure stays at final.
	c, _ = fail(t, s, db, failure(day(9), 4))
	assert.Equal(t, models.DunningStageFinal, c.Stage)
}

func TestEscalationAdvancesOneStepAtATime(t *testing.T) {
	s, db, _, _ := setup(t)

	c, _ := fail(t, s, db, failure(day(1), 1))
	assert.Equal(t, models.DunningStageReminder, c.Stage)

	c, _ = fail(t, s, db, failure(day(10), 2))
	assert.Equal(t, models.DunningStageUrgent, c.Stage)
}

func TestStaleFailureDoesNotRegress(t *testing.T) {
	s, db, _, _ := setup(t)

	fail(t, s, db, failure(day(1), 1))
	fail(t, s, db, failure(day(4), 2))

	c, n := fail(t, s, db, failure(day(2), 1))
	assert.Nil(t, n)
	assert.Equal(t, models.DunningStageUrgent, c.Stage)
}

func TestFirstFailureLateStartsAtMatchingStage(t *testing.T) {
	s, db, _, _ := setup(t)
	c, _ := fail(t, s, db, failure(day(8), 1))
	assert.Equal(t, models.DunningStageFinal, c.Stage)
}

func TestPaymentSucceededResolvesFromAnyStage(t *testing.T) {
	for _, last := range []int{1, 4, 8} {
		s, db, _, _ := setup(t)
		fail(t, s, db, failure(day(1), 1))
		if last >= 4 {
			fail(t, s, db, failure(day(4), 2))
		}
		if last >= 8 {
			fail(t, s, db, failure(day(8), 3))
		}

		c, n, err := s.OnPaymentSucceeded(context.Background(), db, "in_1", day(last).Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.DunningStageResolved, c.Stage)
		assert.NotNil(t, c.ResolvedAt)
		assert.Nil(t, c.NextNoticeAt)
		require.NotNil(t, n)
		assert.Equal(t, notify.KindDunningResolved, n.Kind)

		// A late failure cannot reopen it.
		c, n = fail(t, s, db, failure(day(last+1), 9))
		assert.Nil(t, n)
		assert.Equal(t, models.DunningStageResolved, c.Stage)
	}
}

func TestPaymentSucceededWithoutCase(t *testing.T) {
	s, db, _, _ := setup(t)
	c, n, err := s.OnPaymentSucceeded(context.Background(), db, "in_none", day(1))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Nil(t, n)
}

func TestSubscriptionCanceledClosesOpenCases(t *testing.T) {
	s, db, _, _ := setup(t)
	ctx := context.Background()

	fail(t, s, db, failure(day(1), 1))
	other := failure(day(1), 1)
	other.InvoiceID = "in_2"
	fail(t, s, db, other)
	_, _, err := s.OnPaymentSucceeded(ctx, db, "in_2", day(2))
	require.NoError(t, err)

	n, err := s.OnSubscriptionCanceled(ctx, db, "sub_1", day(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var open, resolved models.DunningCase
	require.NoError(t, db.Where("invoice_id = ?", "in_1").First(&open).Error)
	require.NoError(t, db.Where("invoice_id = ?", "in_2").First(&resolved).Error)
	assert.Equal(t, models.DunningStageSubscriptionCanceled, open.Stage)
	assert.Equal(t, models.DunningStageResolved, resolved.Stage)
}

func seedOwnedCase(t *testing.T, s *Scheduler, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.Booking{
		ResourceID: "R", Position: 1, AdvertiserID: 7, ExternalSubscriptionID: "sub_1",
		BillingInterval: models.BillingIntervalMonth, Status: models.BookingStatusPastDue,
	}).Error)
	fail(t, s, db, failure(day(4), 1))
}

func TestManualRetryDeclineKeepsStage(t *testing.T) {
	s, db, gw, _ := setup(t)
	seedOwnedCase(t, s, db)
	gw.PayInvoiceErr = &gateway.DeclineError{Message: "Your card has insufficient funds.", Err: errors.New("card_declined")}

	c, err := s.ManualRetry(context.Background(), "in_1", 7)
	var declined *RetryDeclinedError
	require.True(t, errors.As(err, &declined))
	assert.Equal(t, "Your card has insufficient funds.", declined.Reason)
	assert.Equal(t, models.DunningStageUrgent, c.Stage)

	var stored models.DunningCase
	require.NoError(t, db.Where("invoice_id = ?", "in_1").First(&stored).Error)
	assert.Equal(t, models.DunningStageUrgent, stored.Stage)
	assert.Equal(t, 1, stored.ManualRetryCount)
	assert.Equal(t, "Your card has insufficient funds.", stored.LastErrorMessage)
	assert.Equal(t, []string{"in_1"}, gw.PaidInvoices)

	_, err = s.ManualRetry(context.Background(), "in_1", 7)
	assert.ErrorIs(t, err, ErrRetryCooldown)
	assert.Len(t, gw.PaidInvoices, 1)
}

func TestManualRetrySuccessResolves(t *testing.T) {
	s, db, _, rn := setup(t)
	seedOwnedCase(t, s, db)

	c, err := s.ManualRetry(context.Background(), "in_1", 7)
	require.NoError(t, err)
	assert.Equal(t, models.DunningStageResolved, c.Stage)
	require.NotEmpty(t, rn.notices)
	assert.Equal(t, notify.KindDunningResolved, rn.notices[len(rn.notices)-1].Kind)

	_, err = s.ManualRetry(context.Background(), "in_1", 7)
	assert.ErrorIs(t, err, ErrCaseClosed)
}

// hookedGateway runs beforePay ahead of the mock's PayInvoice.
type hookedGateway struct {
	*gateway.MockGateway
	beforePay func()
}

func (h *hookedGateway) PayInvoice(ctx context.Context, invoiceID string) error {
	if h.beforePay != nil {
		h.beforePay()
	}
	return h.MockGateway.PayInvoice(ctx, invoiceID)
}

func resolveConcurrently(t *testing.T, s *Scheduler, db *gorm.DB) {
	t.Helper()
	err := db.Transaction(func(tx *gorm.DB) error {
		_, _, err := s.OnPaymentSucceeded(context.Background(), tx, "in_1", day(5))
		return err
	})
	require.NoError(t, err)
}

func storedCase(t *testing.T, db *gorm.DB) models.DunningCase {
	t.Helper()
	var c models.DunningCase
	require.NoError(t, db.Where("invoice_id = ?", "in_1").First(&c).Error)
	return c
}

func TestManualRetryAfterConcurrentResolveIsClosed(t *testing.T) {
	s, db, gw, _ := setup(t)
	seedOwnedCase(t, s, db)
	gw.PayInvoiceErr = &gateway.DeclineError{Message: "declined", Err: errors.New("card_declined")}

	// The case is resolved between ManualRetry reading it and claiming the attempt.
	fired := false
	s.now = func() time.Time {
		if !fired {
			fired = true
			resolveConcurrently(t, s, db)
		}
		return day(5).Add(time.Hour)
	}

	c, err := s.ManualRetry(context.Background(), "in_1", 7)
	assert.ErrorIs(t, err, ErrCaseClosed)
	assert.Equal(t, models.DunningStageResolved, c.Stage)
	assert.Empty(t, gw.PaidInvoices)

	stored := storedCase(t, db)
	assert.Equal(t, models.DunningStageResolved, stored.Stage)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, 0, stored.ManualRetryCount)
}

func TestManualRetryDeclineAfterConcurrentResolveKeepsResolved(t *testing.T) {
	s, db, _, _ := setup(t)
	seedOwnedCase(t, s, db)
	gw := &hookedGateway{MockGateway: gateway.NewMockGateway()}
	gw.PayInvoiceErr = &gateway.DeclineError{Message: "declined", Err: errors.New("card_declined")}
	gw.beforePay = func() { resolveConcurrently(t, s, db) }
	s.gw = gw

	_, err := s.ManualRetry(context.Background(), "in_1", 7)
	var declined *RetryDeclinedError
	require.True(t, errors.As(err, &declined))

	stored := storedCase(t, db)
	assert.Equal(t, models.DunningStageResolved, stored.Stage)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Nil(t, stored.NextNoticeAt)
	assert.NotEqual(t, "declined", stored.LastErrorMessage)
}

func TestManualRetrySuccessAfterConcurrentResolveSendsNoSecondNotice(t *testing.T) {
	s, db, _, rn := setup(t)
	seedOwnedCase(t, s, db)
	gw := &hookedGateway{MockGateway: gateway.NewMockGateway()}
	gw.beforePay = func() { resolveConcurrently(t, s, db) }
	s.gw = gw
	before := len(rn.notices)

	c, err := s.ManualRetry(context.Background(), "in_1", 7)
	require.NoError(t, err)
	assert.Equal(t, models.DunningStageResolved, c.Stage)
	assert.Equal(t, day(5), c.ResolvedAt.UTC())
	// The event path owns the resolution notice.
	assert.Len(t, rn.notices, before)
}

func TestManualRetryRequiresOwner(t *testing.T) {
	s, db, gw, _ := setup(t)
	seedOwnedCase(t, s, db)

	_, err := s.ManualRetry(context.Background(), "in_1", 99)
	assert.ErrorIs(t, err, ErrCaseNotFound)
	assert.Empty(t, gw.PaidInvoices)

	cases, err := s.ListForUser(context.Background(), 7, false)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestSweepResendsCurrentStageOnly(t *testing.T) {
	s, db, _, rn := setup(t)
	fail(t, s, db, failure(day(4), 1))

	s.now = func() time.Time { return day(4).Add(time.Hour) }
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "notice not yet due")

	s.now = func() time.Time { return day(9) }
	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, notify.KindDunningUrgent, rn.notices[len(rn.notices)-1].Kind)

	var c models.DunningCase
	require.NoError(t, db.Where("invoice_id = ?", "in_1").First(&c).Error)
	assert.Equal(t, models.DunningStageUrgent, c.Stage, "sweep never escalates")

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rescheduled")
}

func TestSweepClaimsEachNoticeOnce(t *testing.T) {
	s, db, _, _ := setup(t)
	fail(t, s, db, failure(day(4), 1))

	// Two sweepers read the same due row before either claims it.
	first := storedCase(t, db)
	second := storedCase(t, db)
	next := day(9).Add(24 * time.Hour)

	ok, err := s.claimNotice(context.Background(), &first, next)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.claimNotice(context.Background(), &second, next.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	stored := storedCase(t, db)
	require.NotNil(t, stored.NextNoticeAt)
	assert.Equal(t, next, stored.NextNoticeAt.UTC())
}

func TestConcurrentSweepsSendOnce(t *testing.T) {
	s, db, gw, _ := setup(t)
	fail(t, s, db, failure(day(4), 1))
	rn := &recordingNotifier{}
	a := NewScheduler(db, gw, rn, Config{})
	b := NewScheduler(db, gw, rn, Config{})
	a.now = func() time.Time { return day(9) }
	b.now = a.now

	na, err := a.Sweep(context.Background())
	require.NoError(t, err)
	nb, err := b.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, na+nb)
	assert.Len(t, rn.notices, 1)
}
