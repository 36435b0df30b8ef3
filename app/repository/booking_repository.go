package repository

import (
	"github.com/ManuelReschke/SlotBilling/app/models"
	"gorm.io/gorm"
)

// bookingRepository implements the BookingRepository interface
type bookingRepository struct {
	db *gorm.DB
}

// NewBookingRepository creates a new booking repository instance
func NewBookingRepository(db *gorm.DB) BookingRepository {
	return &bookingRepository{db: db}
}

// GetBySubscriptionID retrieves the booking of a gateway subscription
func (r *bookingRepository) GetBySubscriptionID(subscriptionID string) (*models.Booking, error) {
	var booking models.Booking
	if err := r.db.Where("external_subscription_id = ?", subscriptionID).First(&booking).Error; err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListByAdvertiserID retrieves all bookings of an advertiser
func (r *bookingRepository) ListByAdvertiserID(advertiserID uint) ([]models.Booking, error) {
	var bookings []models.Booking
	err := r.db.Where("advertiser_id = ?", advertiserID).
		Order("resource_id ASC, position ASC, created_at DESC").Find(&bookings).Error
	return bookings, err
}

// ListLiveByResource retrieves the bookings currently holding slots of a resource
func (r *bookingRepository) ListLiveByResource(resourceID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := r.db.Where("resource_id = ? AND live_slot_key IS NOT NULL", resourceID).
		Order("position ASC").Find(&bookings).Error
	return bookings, err
}
