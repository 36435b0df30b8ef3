package models

import "time"

const (
	ReviewKindSlotConflict   = "slot_conflict"
	ReviewKindInvalidPayload = "invalid_payload"
	ReviewKindDuplicateOrder = "duplicate_order"
)

// ReviewItem flags an acknowledged event that needs a human: a slot race
// that requires a refund, or a payload that could not be applied.
type ReviewItem struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ExternalEventID string     `gorm:"type:varchar(191);not null;index" json:"external_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null" json:"event_type"`
	Kind            string     `gorm:"type:varchar(32);not null;index" json:"kind"`
	Detail          string     `gorm:"type:text" json:"detail"`
	PayloadJSON     string     `gorm:"type:text" json:"payload_json,omitempty"`
	ResolvedAt      *time.Time `gorm:"default:null" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
