package models

import "time"

// ProcessedEvent is the idempotency ledger entry for one gateway event.
// Rows are write-once; they are only removed by the retention prune.
type ProcessedEvent struct {
	ExternalEventID string    `gorm:"type:varchar(191);primaryKey" json:"external_event_id"`
	Provider        string    `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ProcessedAt     time.Time `gorm:"not null;index" json:"processed_at"`
}
