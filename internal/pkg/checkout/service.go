package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
)

// CategorySlot is the subscription category that books inventory.
const CategorySlot = "slot"

var (
	ErrSlotUnavailable = errors.New("checkout: slot is already booked")
	ErrUnknownCategory = errors.New("checkout: unknown category")
)

// Config configures the checkout service.
type Config struct {
	SuccessURL     string
	CancelURL      string
	CorrelationTTL time.Duration
	// OneTimePrices maps non-slot categories onto gateway price ids.
	OneTimePrices map[string]string
}

// ConfigFromEnv reads the CHECKOUT_* variables.
func ConfigFromEnv() Config {
	domain := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:8080"), "/")
	return Config{
		SuccessURL:     env.GetEnv("CHECKOUT_SUCCESS_URL", domain+"/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:      env.GetEnv("CHECKOUT_CANCEL_URL", domain+"/billing/cancel"),
		CorrelationTTL: env.GetEnvDuration("CHECKOUT_CORRELATION_TTL", models.DefaultCorrelationTTL),
		OneTimePrices:  ParsePriceMap(env.GetEnv("CHECKOUT_ONE_TIME_PRICES", "")),
	}
}

// ParsePriceMap parses "category:price_id,category:price_id".
func ParsePriceMap(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// Request is a checkout intent from the application layer.
type Request struct {
	Category         string `json:"-" validate:"required,max=50"`
	ResourceID       string `json:"resource_id" validate:"required_if=Category slot,max=100"`
	Position         int    `json:"position" validate:"required_if=Category slot,gte=0"`
	Level            int    `json:"level" validate:"gte=0"`
	Interval         string `json:"interval" validate:"omitempty,oneof=month year monthly annual yearly"`
	OrganizationName string `json:"organization_name" validate:"max=200"`
	ContactEmail     string `json:"contact_email" validate:"required,email,max=200"`
	CustomerID       string `json:"customer_id" validate:"max=191"`
	AdvertiserID     uint   `json:"-"`
	UserID           uint   `json:"-"`
}

// Result is the created session.
type Result struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Service creates gateway checkout sessions.
type Service struct {
	db       *gorm.DB
	gw       gateway.Gateway
	catalog  *inventory.Catalog
	bridge   *Bridge
	cfg      Config
	validate *validator.Validate
}

// NewService creates a checkout Service.
func NewService(db *gorm.DB, gw gateway.Gateway, catalog *inventory.Catalog, bridge *Bridge, cfg Config) *Service {
	return &Service{db: db, gw: gw, catalog: catalog, bridge: bridge, cfg: cfg, validate: validator.New()}
}

// Validate checks a request before any side effect.
func (s *Service) Validate(req Request) error {
	return s.validate.Struct(req)
}

// StartCheckout checks availability, makes sure the slot has a product,
// creates the gateway session and stores its correlation.
func (s *Service) StartCheckout(ctx context.Context, req Request) (*Result, error) {
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	meta := map[string]string{
		models.MetaCategory:     req.Category,
		models.MetaOrganization: strings.TrimSpace(req.OrganizationName),
	}
	if req.UserID > 0 {
		meta[models.MetaUserID] = strconv.FormatUint(uint64(req.UserID), 10)
	}
	if req.AdvertiserID > 0 {
		meta[models.MetaAdvertiserID] = strconv.FormatUint(uint64(req.AdvertiserID), 10)
	}

	params := gateway.CheckoutParams{
		CustomerID:    strings.TrimSpace(req.CustomerID),
		CustomerEmail: strings.TrimSpace(req.ContactEmail),
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		Metadata:      meta,
	}
	if req.UserID > 0 {
		params.ClientReferenceID = meta[models.MetaUserID]
	}

	if req.Category == CategorySlot {
		priceID, err := s.prepareSlot(ctx, req, meta)
		if err != nil {
			return nil, err
		}
		params.Subscription = true
		params.PriceID = priceID
	} else {
		priceID, ok := s.cfg.OneTimePrices[req.Category]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, req.Category)
		}
		params.PriceID = priceID
	}

	session, err := s.gw.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := s.bridge.CreateCorrelation(ctx, session.ID, session.CustomerID, meta, s.cfg.CorrelationTTL); err != nil {
		return nil, fmt.Errorf("checkout: store correlation: %w", err)
	}
	log.Infof("[Checkout] created session %s for category %s", session.ID, req.Category)
	return &Result{SessionID: session.ID, RedirectURL: session.URL}, nil
}

func (s *Service) prepareSlot(ctx context.Context, req Request, meta map[string]string) (string, error) {
	resourceID := strings.TrimSpace(req.ResourceID)
	free, err := inventory.SlotAvailable(ctx, s.db, resourceID, req.Position)
	if err != nil {
		return "", err
	}
	if !free {
		return "", ErrSlotUnavailable
	}

	product, err := s.catalog.EnsureProduct(ctx, resourceID, req.Position, req.Level)
	if err != nil {
		return "", err
	}
	if !product.Active {
		return "", ErrSlotUnavailable
	}
	interval := models.NormalizeInterval(req.Interval)
	if interval == "" {
		interval = models.BillingIntervalMonth
	}
	priceID, _, _ := product.PriceFor(interval)

	meta[models.MetaResourceID] = resourceID
	meta[models.MetaPosition] = strconv.Itoa(req.Position)
	meta[models.MetaLevel] = strconv.Itoa(req.Level)
	meta[models.MetaInterval] = interval
	return priceID, nil
}
