// Package ledger is the idempotency ledger: one write-once row per gateway
// event that has been applied.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SlotBilling/app/models"
)

// DefaultRetention is how long ledger rows are kept before pruning.
const DefaultRetention = 90 * 24 * time.Hour

const pruneBatchSize = 500

// Archiver receives ledger rows before they are pruned.
type Archiver interface {
	ArchiveProcessedEvents(ctx context.Context, rows []models.ProcessedEvent) error
}

// Record inserts the ledger row for eventID inside tx. It returns false
// without error when the event was already recorded, in which case the caller
// must not apply any effect.
func Record(tx *gorm.DB, eventID, eventType string, now time.Time) (bool, error) {
	id := strings.TrimSpace(eventID)
	if id == "" {
		return false, errors.New("event id is required")
	}

	row := &models.ProcessedEvent{
		ExternalEventID: id,
		Provider:        models.BillingProviderStripe,
		EventType:       strings.TrimSpace(eventType),
		ProcessedAt:     now.UTC(),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Seen reports whether eventID has been recorded.
func Seen(db *gorm.DB, eventID string) (bool, error) {
	var count int64
	err := db.Model(&models.ProcessedEvent{}).
		Where("external_event_id = ?", strings.TrimSpace(eventID)).
		Count(&count).Error
	return count > 0, err
}

// Prune removes ledger rows processed before the cutoff, handing each batch
// to archiver first when one is given. A failed archive stops the prune so no
// row is deleted unarchived.
func Prune(ctx context.Context, db *gorm.DB, before time.Time, archiver Archiver) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var rows []models.ProcessedEvent
		if err := db.WithContext(ctx).
			Where("processed_at < ?", before.UTC()).
			Order("processed_at ASC").
			Limit(pruneBatchSize).
			Find(&rows).Error; err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		if archiver != nil {
			if err := archiver.ArchiveProcessedEvents(ctx, rows); err != nil {
				return total, err
			}
		}

		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ExternalEventID)
		}
		res := db.WithContext(ctx).Where("external_event_id IN ?", ids).Delete(&models.ProcessedEvent{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		log.Debugf("[Ledger] pruned batch of %d rows", res.RowsAffected)

		if len(rows) < pruneBatchSize {
			return total, nil
		}
	}
}
