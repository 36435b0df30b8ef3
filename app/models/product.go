package models

import "time"

// Product caches the gateway product and prices that sell one slot.
// Rows are created lazily on the first checkout for the slot and only ever
// deactivated.
type Product struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ResourceID        string    `gorm:"type:varchar(100);not null;index:ux_products_slot,unique,priority:1" json:"resource_id"`
	Position          int       `gorm:"not null;index:ux_products_slot,unique,priority:2" json:"position"`
	Tier              string    `gorm:"type:varchar(20);not null;index" json:"tier"`
	ExternalProductID string    `gorm:"type:varchar(191);not null" json:"external_product_id"`
	MonthlyPriceID    string    `gorm:"type:varchar(191);not null" json:"monthly_price_id"`
	AnnualPriceID     string    `gorm:"type:varchar(191);not null" json:"annual_price_id"`
	MonthlyAmount     int64     `gorm:"not null" json:"monthly_amount"`
	AnnualAmount      int64     `gorm:"not null" json:"annual_amount"`
	Currency          string    `gorm:"type:varchar(3);not null;default:'eur'" json:"currency"`
	Active            bool      `gorm:"default:true;index" json:"active"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PriceFor returns the price id and amount for a billing interval.
func (p *Product) PriceFor(interval string) (string, int64, bool) {
	switch interval {
	case BillingIntervalMonth:
		return p.MonthlyPriceID, p.MonthlyAmount, true
	case BillingIntervalYear:
		return p.AnnualPriceID, p.AnnualAmount, true
	}
	return "", 0, false
}
