// Package checkout starts hosted checkouts and keeps the short-lived
// correlation between a checkout attempt and the webhook that settles it.
package checkout

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

// Bridge stores CheckoutSessionCorrelation rows.
type Bridge struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewBridge creates a Bridge. A non-positive ttl uses the default of 24h.
func NewBridge(db *gorm.DB, ttl time.Duration) *Bridge {
	if ttl <= 0 {
		ttl = models.DefaultCorrelationTTL
	}
	return &Bridge{db: db, ttl: ttl, now: time.Now}
}

// CreateCorrelation records the business context of a checkout attempt.
// Recreating a correlation for the same session replaces it, so there is
// only ever one live row per session.
func (b *Bridge) CreateCorrelation(ctx context.Context, sessionID, customerID string, metadata map[string]string, ttl time.Duration) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("checkout: session id is required")
	}
	if ttl <= 0 {
		ttl = b.ttl
	}
	now := b.now().UTC()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	row := &models.CheckoutSessionCorrelation{
		ExternalSessionID:  sessionID,
		ExternalCustomerID: strings.TrimSpace(customerID),
		Metadata:           meta,
		ExpiresAt:          now.Add(ttl),
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_customer_id", "metadata", "expires_at", "resolved_at"}),
	}).Create(row).Error
}

// Resolve returns the stored metadata for a session and marks it resolved.
// Missing and expired correlations yield ok=false; callers fall back to the
// metadata on the webhook payload. tx is the caller's transaction.
func (b *Bridge) Resolve(ctx context.Context, tx *gorm.DB, sessionID string) (map[string]string, bool, error) {
	var row models.CheckoutSessionCorrelation
	err := tx.WithContext(ctx).Where("external_session_id = ?", strings.TrimSpace(sessionID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	now := b.now().UTC()
	if row.IsExpired(now) {
		log.Infof("[Checkout] correlation for %s expired at %s", row.ExternalSessionID, row.ExpiresAt)
		return nil, false, nil
	}
	if row.ResolvedAt == nil {
		if err := tx.WithContext(ctx).Model(&row).Update("resolved_at", now).Error; err != nil {
			return nil, false, err
		}
	}
	if row.Metadata == nil {
		row.Metadata = map[string]string{}
	}
	return row.Metadata, true, nil
}

// Discard removes the correlation of a session that will never settle.
func (b *Bridge) Discard(ctx context.Context, tx *gorm.DB, sessionID string) error {
	return tx.WithContext(ctx).
		Where("external_session_id = ?", strings.TrimSpace(sessionID)).
		Delete(&models.CheckoutSessionCorrelation{}).Error
}

// PurgeExpired deletes correlations whose expiry has passed.
func (b *Bridge) PurgeExpired(ctx context.Context) (int64, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at <= ?", b.now().UTC()).
		Delete(&models.CheckoutSessionCorrelation{})
	return res.RowsAffected, res.Error
}

// Merge overlays primary on fallback without mutating either.
func Merge(fallback, primary map[string]string) map[string]string {
	out := make(map[string]string, len(fallback)+len(primary))
	for k, v := range fallback {
		out[k] = v
	}
	for k, v := range primary {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}
