package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	BookingStatusIncomplete = "incomplete"
	BookingStatusTrialing   = "trialing"
	BookingStatusActive     = "active"
	BookingStatusPastDue    = "past_due"
	BookingStatusPaused     = "paused"
	BookingStatusCanceled   = "canceled"
)

// Booking is a claim on one (resource, position) slot tied to a gateway
// subscription. At most one live booking per slot may exist; the database
// enforces that through the unique index on LiveSlotKey, which is only set
// while the status is live and NULL otherwise.
type Booking struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	ResourceID             string     `gorm:"type:varchar(100);not null;index:idx_bookings_slot,priority:1" json:"resource_id"`
	Position               int        `gorm:"not null;index:idx_bookings_slot,priority:2" json:"position"`
	AdvertiserID           uint       `gorm:"not null;index" json:"advertiser_id"`
	ExternalSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_subscription_id"`
	ExternalCustomerID     string     `gorm:"type:varchar(191);default:''" json:"external_customer_id"`
	ExternalPriceID        string     `gorm:"type:varchar(191);default:''" json:"external_price_id"`
	BillingInterval        string     `gorm:"type:varchar(16);not null" json:"billing_interval"`
	Status                 string     `gorm:"type:varchar(32);not null;index" json:"status"`
	LiveSlotKey            *string    `gorm:"type:varchar(191);uniqueIndex:ux_bookings_live_slot" json:"-"`
	CurrentPeriodStart     *time.Time `gorm:"default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"default:null" json:"current_period_end,omitempty"`
	CanceledAt             *time.Time `gorm:"default:null" json:"canceled_at,omitempty"`
	LastEventAt            time.Time  `json:"last_event_at"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLiveBookingStatus reports whether a booking in this status occupies its slot.
func IsLiveBookingStatus(status string) bool {
	switch status {
	case BookingStatusActive, BookingStatusTrialing, BookingStatusPastDue:
		return true
	default:
		return false
	}
}

// IsBookingStatus reports whether s is one of the known booking statuses.
func IsBookingStatus(s string) bool {
	switch s {
	case BookingStatusIncomplete, BookingStatusTrialing, BookingStatusActive,
		BookingStatusPastDue, BookingStatusPaused, BookingStatusCanceled:
		return true
	}
	return false
}

// SlotKey is the canonical identifier of a (resource, position) slot.
func SlotKey(resourceID string, position int) string {
	return fmt.Sprintf("%s#%d", resourceID, position)
}

// IsLive reports whether the booking currently holds its slot.
func (b *Booking) IsLive() bool {
	return IsLiveBookingStatus(b.Status)
}

// BeforeSave keeps LiveSlotKey in step with Status.
func (b *Booking) BeforeSave(tx *gorm.DB) error {
	if b.IsLive() {
		key := SlotKey(b.ResourceID, b.Position)
		b.LiveSlotKey = &key
	} else {
		b.LiveSlotKey = nil
	}
	return nil
}
