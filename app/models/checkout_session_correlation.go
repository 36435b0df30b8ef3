package models

import "time"

// DefaultCorrelationTTL is how long a checkout attempt stays resolvable.
const DefaultCorrelationTTL = 24 * time.Hour

// CheckoutSessionCorrelation bridges a client-side checkout attempt to the
// webhook that eventually settles it.
type CheckoutSessionCorrelation struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	ExternalSessionID  string            `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_session_id"`
	ExternalCustomerID string            `gorm:"type:varchar(191);default:''" json:"external_customer_id"`
	Metadata           map[string]string `gorm:"serializer:json;type:text" json:"metadata"`
	ResolvedAt         *time.Time        `gorm:"default:null" json:"resolved_at,omitempty"`
	ExpiresAt          time.Time         `gorm:"not null;index" json:"expires_at"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// IsExpired reports whether the correlation is past its expiry at now.
func (c *CheckoutSessionCorrelation) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
