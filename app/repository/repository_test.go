package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database/dbtest"
)

func TestOrderRepository(t *testing.T) {
	db := dbtest.Open(t)
	repos := NewFactory(db).GetRepositories()
	uid := uint(7)

	for i, status := range []string{models.OrderStatusPaid, models.OrderStatusPaid, models.OrderStatusPending} {
		require.NoError(t, db.Create(&models.Order{
			ExternalSessionID: "cs_" + string(rune('a'+i)),
			Category:          "slot",
			Status:            status,
			AmountMinor:       5000,
			UserID:            &uid,
		}).Error)
	}

	order, err := repos.Order.GetByExternalSessionID("cs_a")
	require.NoError(t, err)
	byPublic, err := repos.Order.GetByPublicID(order.PublicID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byPublic.ID)

	list, err := repos.Order.ListByUserID(7, 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	counts, err := repos.Order.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.OrderStatusPaid])
	assert.Equal(t, int64(1), counts[models.OrderStatusPending])

	_, err = repos.Order.GetByPublicID("missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestBookingRepository(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewBookingRepository(db)
	now := time.Now().UTC()

	rows := []models.Booking{
		{ResourceID: "res_1", Position: 1, AdvertiserID: 7, ExternalSubscriptionID: "sub_1", BillingInterval: "month", Status: models.BookingStatusActive, LastEventAt: now},
		{ResourceID: "res_1", Position: 2, AdvertiserID: 7, ExternalSubscriptionID: "sub_2", BillingInterval: "month", Status: models.BookingStatusCanceled, LastEventAt: now},
		{ResourceID: "res_2", Position: 1, AdvertiserID: 8, ExternalSubscriptionID: "sub_3", BillingInterval: "year", Status: models.BookingStatusPastDue, LastEventAt: now},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	b, err := repo.GetBySubscriptionID("sub_3")
	require.NoError(t, err)
	assert.Equal(t, uint(8), b.AdvertiserID)

	mine, err := repo.ListByAdvertiserID(7)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	live, err := repo.ListLiveByResource("res_1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "sub_1", live[0].ExternalSubscriptionID)
}

func TestReviewRepositoryResolve(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewReviewRepository(db)

	item := &models.ReviewItem{ExternalEventID: "evt_1", EventType: "checkout.session.completed", Kind: models.ReviewKindInvalidPayload}
	require.NoError(t, db.Create(item).Error)

	open, err := repo.ListOpen(0, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, repo.Resolve(item.ID))
	assert.ErrorIs(t, repo.Resolve(item.ID), gorm.ErrRecordNotFound)

	count, err := repo.CountOpen()
	require.NoError(t, err)
	assert.Zero(t, count)

	got, err := repo.GetByID(item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ResolvedAt)
}
