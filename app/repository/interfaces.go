package repository

import (
	"github.com/ManuelReschke/SlotBilling/app/models"
	"gorm.io/gorm"
)

// OrderRepository defines read access to orders
type OrderRepository interface {
	GetByPublicID(publicID string) (*models.Order, error)
	GetByExternalSessionID(sessionID string) (*models.Order, error)
	ListByUserID(userID uint, offset, limit int) ([]models.Order, error)
	CountByStatus() (map[string]int64, error)
}

// BookingRepository defines read access to slot bookings
type BookingRepository interface {
	GetBySubscriptionID(subscriptionID string) (*models.Booking, error)
	ListByAdvertiserID(advertiserID uint) ([]models.Booking, error)
	ListLiveByResource(resourceID string) ([]models.Booking, error)
}

// ReviewRepository defines access to events flagged for manual review
type ReviewRepository interface {
	GetByID(id uint) (*models.ReviewItem, error)
	ListOpen(offset, limit int) ([]models.ReviewItem, error)
	CountOpen() (int64, error)
	Resolve(id uint) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Order   OrderRepository
	Booking BookingRepository
	Review  ReviewRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Order:   NewOrderRepository(db),
		Booking: NewBookingRepository(db),
		Review:  NewReviewRepository(db),
	}
}
