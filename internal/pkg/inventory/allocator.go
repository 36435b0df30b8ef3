// Package inventory owns the bookable slots: the one-live-booking-per-slot
// invariant and the gateway product cached for each slot.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database"
)

var (
	// ErrSlotTaken means another live booking already holds the slot.
	ErrSlotTaken = errors.New("slot already booked")
	// ErrMissingSlot means the subscription does not name a valid slot.
	ErrMissingSlot = errors.New("subscription carries no valid slot")
)

// SlotConflictError is returned when the storage constraint rejected a
// booking. It needs a manual refund; it must never be retried.
type SlotConflictError struct {
	ResourceID     string
	Position       int
	SubscriptionID string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %s already booked, subscription %s rejected", models.SlotKey(e.ResourceID, e.Position), e.SubscriptionID)
}

func (e *SlotConflictError) Is(target error) bool { return target == ErrSlotTaken }

// Change is the kind of subscription lifecycle event.
type Change int

const (
	ChangeCreated Change = iota
	ChangeUpdated
	ChangeDeleted
)

// SubscriptionEvent is the subset of a subscription event the allocator needs.
type SubscriptionEvent struct {
	Change         Change
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Interval       string
	Status         string
	Metadata       map[string]string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	CanceledAt     *time.Time
	OccurredAt     time.Time
}

// Outcome describes what AllocateOrUpdate did.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeUpdated
	OutcomeSkipped
)

// Allocator creates and updates bookings. It holds no state; every call runs
// on the caller's transaction.
type Allocator struct{}

// NewAllocator creates an Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// AllocateOrUpdate applies a subscription event to its booking. The booking is
// located by subscription id; a missing booking is inserted, which is where
// the live-slot unique index rejects a second live claim on the slot.
func (a *Allocator) AllocateOrUpdate(ctx context.Context, tx *gorm.DB, ev SubscriptionEvent) (*models.Booking, Outcome, error) {
	subID := strings.TrimSpace(ev.SubscriptionID)
	if subID == "" {
		return nil, 0, fmt.Errorf("%w: subscription id is empty", ErrMissingSlot)
	}
	tx = tx.WithContext(ctx)

	status := NormalizeStatus(ev.Status)
	if ev.Change == ChangeDeleted {
		status = models.BookingStatusCanceled
	}

	booking, err := findBySubscription(tx, subID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, err
	}
	if booking != nil {
		return a.update(tx, booking, ev, status)
	}

	if status == models.BookingStatusCanceled {
		log.Infof("[Allocator] no booking for canceled subscription %s, nothing to release", subID)
		return nil, OutcomeSkipped, nil
	}
	return a.insert(tx, ev, status)
}

func (a *Allocator) insert(tx *gorm.DB, ev SubscriptionEvent, status string) (*models.Booking, Outcome, error) {
	resourceID, position, err := SlotFromMetadata(ev.Metadata)
	if err != nil {
		return nil, 0, err
	}
	advertiserID, _ := strconv.ParseUint(strings.TrimSpace(ev.Metadata[models.MetaAdvertiserID]), 10, 64)

	b := &models.Booking{
		ResourceID:             resourceID,
		Position:               position,
		AdvertiserID:           uint(advertiserID),
		ExternalSubscriptionID: strings.TrimSpace(ev.SubscriptionID),
		ExternalCustomerID:     strings.TrimSpace(ev.CustomerID),
		ExternalPriceID:        strings.TrimSpace(ev.PriceID),
		BillingInterval:        intervalOrDefault(ev.Interval, ev.Metadata),
		Status:                 status,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		LastEventAt:            ev.OccurredAt.UTC(),
	}

	// Savepoint, so a rejected insert leaves the outer transaction usable.
	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(b).Error
	})
	if err == nil {
		log.Infof("[Allocator] booked slot %s for subscription %s (%s)", models.SlotKey(resourceID, position), b.ExternalSubscriptionID, status)
		return b, OutcomeCreated, nil
	}
	if !database.IsDuplicateKey(err) {
		return nil, 0, err
	}

	// Either the subscription was inserted concurrently or the slot is taken.
	// A locking read sees rows committed after this transaction's snapshot.
	existing, findErr := findBySubscription(tx.Clauses(clause.Locking{Strength: "UPDATE"}), b.ExternalSubscriptionID)
	if findErr == nil {
		return a.update(tx, existing, ev, status)
	}
	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return nil, 0, findErr
	}

	conflict := &SlotConflictError{ResourceID: resourceID, Position: position, SubscriptionID: b.ExternalSubscriptionID}
	log.Errorf("[Allocator] SLOT CONFLICT %v", conflict)
	return nil, 0, conflict
}

func (a *Allocator) update(tx *gorm.DB, b *models.Booking, ev SubscriptionEvent, status string) (*models.Booking, Outcome, error) {
	at := ev.OccurredAt.UTC()
	if !b.LastEventAt.IsZero() && at.Before(b.LastEventAt) {
		log.Infof("[Allocator] skipping stale event for subscription %s (%s < %s)", b.ExternalSubscriptionID, at, b.LastEventAt)
		return b, OutcomeSkipped, nil
	}
	if b.Status == models.BookingStatusCanceled && status != models.BookingStatusCanceled {
		log.Warnf("[Allocator] subscription %s is canceled, ignoring status %s", b.ExternalSubscriptionID, status)
		return b, OutcomeSkipped, nil
	}

	wasLive := b.IsLive()
	b.Status = status
	if v := strings.TrimSpace(ev.CustomerID); v != "" {
		b.ExternalCustomerID = v
	}
	if v := strings.TrimSpace(ev.PriceID); v != "" {
		b.ExternalPriceID = v
	}
	if v := models.NormalizeInterval(ev.Interval); v != "" {
		b.BillingInterval = v
	}
	if ev.PeriodStart != nil {
		b.CurrentPeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		b.CurrentPeriodEnd = ev.PeriodEnd
	}
	if status == models.BookingStatusCanceled && b.CanceledAt == nil {
		canceled := at
		if ev.CanceledAt != nil {
			canceled = ev.CanceledAt.UTC()
		}
		b.CanceledAt = &canceled
	}
	b.LastEventAt = at

	// Save runs BeforeSave so LiveSlotKey follows the new status.
	err := tx.Transaction(func(sp *gorm.DB) error {
		return sp.Save(b).Error
	})
	if err != nil {
		if !wasLive && b.IsLive() && database.IsDuplicateKey(err) {
			conflict := &SlotConflictError{ResourceID: b.ResourceID, Position: b.Position, SubscriptionID: b.ExternalSubscriptionID}
			log.Errorf("[Allocator] SLOT CONFLICT %v", conflict)
			return nil, 0, conflict
		}
		return nil, 0, err
	}
	return b, OutcomeUpdated, nil
}

// SlotAvailable reports whether no live booking holds the slot.
func SlotAvailable(ctx context.Context, db *gorm.DB, resourceID string, position int) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&models.Booking{}).
		Where("live_slot_key = ?", models.SlotKey(strings.TrimSpace(resourceID), position)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// FindBySubscription loads the booking for a gateway subscription.
func FindBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (*models.Booking, error) {
	return findBySubscription(db.WithContext(ctx), subscriptionID)
}

func findBySubscription(tx *gorm.DB, subscriptionID string) (*models.Booking, error) {
	var b models.Booking
	if err := tx.Where("external_subscription_id = ?", subscriptionID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// SlotFromMetadata reads the resource and position a checkout was for.
func SlotFromMetadata(meta map[string]string) (string, int, error) {
	resourceID := strings.TrimSpace(meta[models.MetaResourceID])
	if resourceID == "" {
		return "", 0, fmt.Errorf("%w: %s missing", ErrMissingSlot, models.MetaResourceID)
	}
	position, err := strconv.Atoi(strings.TrimSpace(meta[models.MetaPosition]))
	if err != nil || position < 1 {
		return "", 0, fmt.Errorf("%w: %s must be a positive integer", ErrMissingSlot, models.MetaPosition)
	}
	return resourceID, position, nil
}

// NormalizeStatus maps gateway subscription statuses onto booking statuses.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "incomplete_expired":
		return models.BookingStatusCanceled
	case "unpaid":
		return models.BookingStatusPastDue
	case "":
		return models.BookingStatusIncomplete
	}
	if models.IsBookingStatus(s) {
		return s
	}
	return models.BookingStatusIncomplete
}

func intervalOrDefault(interval string, meta map[string]string) string {
	if v := models.NormalizeInterval(interval); v != "" {
		return v
	}
	if v := models.NormalizeInterval(meta[models.MetaInterval]); v != "" {
		return v
	}
	return models.BillingIntervalMonth
}
