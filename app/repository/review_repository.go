package repository

import (
	"time"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"gorm.io/gorm"
)

// reviewRepository implements the ReviewRepository interface
type reviewRepository struct {
	db *gorm.DB
}

// NewReviewRepository creates a new review repository instance
func NewReviewRepository(db *gorm.DB) ReviewRepository {
	return &reviewRepository{db: db}
}

// GetByID retrieves a review item by its ID
func (r *reviewRepository) GetByID(id uint) (*models.ReviewItem, error) {
	var item models.ReviewItem
	if err := r.db.First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListOpen retrieves unresolved review items, oldest first
func (r *reviewRepository) ListOpen(offset, limit int) ([]models.ReviewItem, error) {
	var items []models.ReviewItem
	err := r.db.Where("resolved_at IS NULL").
		Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&items).Error
	return items, err
}

// CountOpen returns the number of unresolved review items
func (r *reviewRepository) CountOpen() (int64, error) {
	var count int64
	err := r.db.Model(&models.ReviewItem{}).Where("resolved_at IS NULL").Count(&count).Error
	return count, err
}

// Resolve marks a review item as handled
func (r *reviewRepository) Resolve(id uint) error {
	res := r.db.Model(&models.ReviewItem{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
