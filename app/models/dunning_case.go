package models

import "time"

// DunningStage is the escalation stage of a failed-invoice recovery.
type DunningStage string

const (
	DunningStageReminder             DunningStage = "reminder"
	DunningStageUrgent               DunningStage = "urgent"
	DunningStageFinal                DunningStage = "final"
	DunningStageResolved             DunningStage = "resolved"
	DunningStageSubscriptionCanceled DunningStage = "subscription_canceled"
)

// Rank orders the open stages. Terminal stages rank above all open ones.
func (s DunningStage) Rank() int {
	switch s {
	case DunningStageReminder:
		return 1
	case DunningStageUrgent:
		return 2
	case DunningStageFinal:
		return 3
	case DunningStageResolved, DunningStageSubscriptionCanceled:
		return 4
	default:
		return 0
	}
}

// IsTerminal reports whether no further escalation can happen.
func (s DunningStage) IsTerminal() bool {
	return s == DunningStageResolved || s == DunningStageSubscriptionCanceled
}

// DunningCase tracks recovery of a single failed invoice.
type DunningCase struct {
	ID                     uint         `gorm:"primaryKey" json:"id"`
	InvoiceID              string       `gorm:"type:varchar(191);not null;uniqueIndex" json:"invoice_id"`
	ExternalSubscriptionID string       `gorm:"type:varchar(191);not null;index" json:"subscription_id"`
	ExternalCustomerID     string       `gorm:"type:varchar(191);default:''" json:"customer_id"`
	ContactEmail           string       `gorm:"type:varchar(200);default:''" json:"-"`
	AmountDue              int64        `gorm:"not null;default:0" json:"amount_due"`
	Currency               string       `gorm:"type:varchar(3);not null;default:'eur'" json:"currency"`
	AttemptCount           int          `gorm:"not null;default:0" json:"attempt_count"`
	ManualRetryCount       int          `gorm:"not null;default:0" json:"manual_retry_count"`
	Stage                  DunningStage `gorm:"type:varchar(32);not null;index" json:"escalation_stage"`
	OverdueSince           time.Time    `gorm:"not null" json:"overdue_since"`
	NextRetryAt            *time.Time   `gorm:"default:null" json:"next_retry_at,omitempty"`
	NextNoticeAt           *time.Time   `gorm:"default:null;index" json:"-"`
	LastManualRetryAt      *time.Time   `gorm:"default:null" json:"last_manual_retry_at,omitempty"`
	LastErrorMessage       string       `gorm:"type:text" json:"last_error_message"`
	LastEventAt            time.Time    `json:"last_event_at"`
	ResolvedAt             *time.Time   `gorm:"default:null" json:"resolved_at,omitempty"`
	CreatedAt              time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
