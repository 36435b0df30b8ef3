package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFulfilled = "fulfilled"
	OrderStatusRefunded  = "refunded"
	OrderStatusCanceled  = "canceled"
	OrderStatusDisputed  = "disputed"
)

// Order is one completed purchase. Rows are created from settlement events
// and never deleted; they are the audit trail for money taken.
type Order struct {
	ID                      uint      `gorm:"primaryKey" json:"id"`
	PublicID                string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"public_id"`
	ExternalSessionID       string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_orders_external_session" json:"external_session_id"`
	ExternalPaymentIntentID string    `gorm:"type:varchar(191);default:'';index" json:"external_payment_intent_id"`
	ExternalCustomerID      string    `gorm:"type:varchar(191);default:''" json:"external_customer_id"`
	OrganizationName        string    `gorm:"type:varchar(200);default:''" json:"organization_name"`
	ContactEmail            string    `gorm:"type:varchar(200);default:''" json:"contact_email"`
	Category                string    `gorm:"type:varchar(50);not null;index" json:"category"`
	Status                  string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	AmountMinor             int64     `gorm:"not null;default:0" json:"amount"`
	Currency                string    `gorm:"type:varchar(3);not null;default:'eur'" json:"currency"`
	UserID                  *uint     `gorm:"index;default:null" json:"user_id,omitempty"`
	CreatedAt               time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public id.
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.PublicID == "" {
		o.PublicID = uuid.New().String()
	}
	return nil
}

// orderTransitions lists the allowed forward moves. Refunds and disputes are
// only reachable once money has actually been collected.
var orderTransitions = map[string][]string{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCanceled},
	OrderStatusPaid:      {OrderStatusFulfilled, OrderStatusRefunded, OrderStatusDisputed},
	OrderStatusFulfilled: {OrderStatusRefunded, OrderStatusDisputed},
}

// CanTransition reports whether the order may move to the given status.
func (o *Order) CanTransition(to string) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// IsOrderStatus reports whether s is one of the known order statuses.
func IsOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFulfilled,
		OrderStatusRefunded, OrderStatusCanceled, OrderStatusDisputed:
		return true
	}
	return false
}
