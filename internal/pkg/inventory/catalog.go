package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
)

const (
	TierStandard = "standard"
	TierPremium  = "premium"
	TierElite    = "elite"
)

// annualMonths is how many monthly prices one year costs.
const annualMonths = 10

// TierForLevel classifies a resource by its level: 1-3 standard, 4-6 premium,
// 7 and above elite.
func TierForLevel(level int) string {
	switch {
	case level >= 7:
		return TierElite
	case level >= 4:
		return TierPremium
	default:
		return TierStandard
	}
}

// Catalog lazily creates the gateway product for a slot.
type Catalog struct {
	db       *gorm.DB
	gw       gateway.Gateway
	currency string
	monthly  map[string]int64
}

// CatalogConfig holds monthly prices per tier in minor units.
type CatalogConfig struct {
	Currency string
	Monthly  map[string]int64
}

// CatalogConfigFromEnv reads STRIPE_CURRENCY and TIER_*_MONTHLY.
func CatalogConfigFromEnv() CatalogConfig {
	return CatalogConfig{
		Currency: strings.ToLower(env.GetEnv("STRIPE_CURRENCY", "eur")),
		Monthly: map[string]int64{
			TierStandard: int64(env.GetEnvInt("TIER_STANDARD_MONTHLY", 2000)),
			TierPremium:  int64(env.GetEnvInt("TIER_PREMIUM_MONTHLY", 5000)),
			TierElite:    int64(env.GetEnvInt("TIER_ELITE_MONTHLY", 10000)),
		},
	}
}

// NewCatalog creates a Catalog.
func NewCatalog(db *gorm.DB, gw gateway.Gateway, cfg CatalogConfig) *Catalog {
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}
	return &Catalog{db: db, gw: gw, currency: cfg.Currency, monthly: cfg.Monthly}
}

// MonthlyPrice returns the monthly price of a tier.
func (c *Catalog) MonthlyPrice(tier string) (int64, error) {
	amount, ok := c.monthly[tier]
	if !ok || amount <= 0 {
		return 0, fmt.Errorf("no price configured for tier %q", tier)
	}
	return amount, nil
}

// EnsureProduct returns the product for the slot, creating it at the gateway
// on first use. When two callers race, the stored row wins and the loser's
// gateway product is archived.
func (c *Catalog) EnsureProduct(ctx context.Context, resourceID string, position, level int) (*models.Product, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" || position < 1 {
		return nil, ErrMissingSlot
	}

	existing, err := c.FindProduct(ctx, resourceID, position)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tier := TierForLevel(level)
	monthly, err := c.MonthlyPrice(tier)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{
		models.MetaResourceID: resourceID,
		models.MetaPosition:   fmt.Sprint(position),
		"tier":                tier,
	}
	created, err := c.gw.CreateProduct(ctx, gateway.ProductParams{
		Name:          fmt.Sprintf("Slot %s (%s)", models.SlotKey(resourceID, position), tier),
		Currency:      c.currency,
		MonthlyAmount: monthly,
		AnnualAmount:  monthly * annualMonths,
		Metadata:      meta,
	})
	if err != nil {
		return nil, err
	}

	p := &models.Product{
		ResourceID:        resourceID,
		Position:          position,
		Tier:              tier,
		ExternalProductID: created.ProductID,
		MonthlyPriceID:    created.MonthlyPriceID,
		AnnualPriceID:     created.AnnualPriceID,
		MonthlyAmount:     monthly,
		AnnualAmount:      monthly * annualMonths,
		Currency:          c.currency,
		Active:            true,
	}
	res := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}, {Name: "position"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("[Catalog] created product %s for slot %s", p.ExternalProductID, models.SlotKey(resourceID, position))
		return p, nil
	}

	if err := c.gw.DeactivateProduct(ctx, created.ProductID); err != nil {
		log.Warnf("[Catalog] failed to archive duplicate product %s: %v", created.ProductID, err)
	}
	return c.FindProduct(ctx, resourceID, position)
}

// FindProduct loads the stored product for a slot.
func (c *Catalog) FindProduct(ctx context.Context, resourceID string, position int) (*models.Product, error) {
	var p models.Product
	if err := c.db.WithContext(ctx).
		Where("resource_id = ? AND position = ?", resourceID, position).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindProductByPrice loads the product that owns a monthly or annual price.
func (c *Catalog) FindProductByPrice(ctx context.Context, priceID string) (*models.Product, error) {
	var p models.Product
	if err := c.db.WithContext(ctx).
		Where("monthly_price_id = ? OR annual_price_id = ?", priceID, priceID).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Deactivate stops selling a slot. The row is kept.
func (c *Catalog) Deactivate(ctx context.Context, resourceID string, position int) error {
	p, err := c.FindProduct(ctx, resourceID, position)
	if err != nil {
		return err
	}
	if !p.Active {
		return nil
	}
	if err := c.gw.DeactivateProduct(ctx, p.ExternalProductID); err != nil {
		return err
	}
	return c.db.WithContext(ctx).Model(p).Update("active", false).Error
}
