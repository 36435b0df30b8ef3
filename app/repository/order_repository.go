package repository

import (
	"github.com/ManuelReschke/SlotBilling/app/models"
	"gorm.io/gorm"
)

// orderRepository implements the OrderRepository interface
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// GetByPublicID retrieves an order by its public id
func (r *orderRepository) GetByPublicID(publicID string) (*models.Order, error) {
	var order models.Order
	if err := r.db.Where("public_id = ?", publicID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// GetByExternalSessionID retrieves the order created by a checkout session
func (r *orderRepository) GetByExternalSessionID(sessionID string) (*models.Order, error) {
	var order models.Order
	if err := r.db.Where("external_session_id = ?", sessionID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// ListByUserID retrieves a user's orders, newest first
func (r *orderRepository) ListByUserID(userID uint, offset, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&orders).Error
	return orders, err
}

// CountByStatus returns the number of orders per status
func (r *orderRepository) CountByStatus() (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.Model(&models.Order{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}
