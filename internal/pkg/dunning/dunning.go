// Package dunning tracks recovery of failed invoice payments through the
// reminder, urgent and final stages.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
)

const (
	DefaultRetryCooldown  = time.Hour
	DefaultNoticeInterval = 24 * time.Hour
)

var (
	ErrCaseNotFound  = errors.New("dunning case not found")
	ErrCaseClosed    = errors.New("dunning case is closed")
	ErrRetryCooldown = errors.New("manual retry attempted too recently")
)

// RetryDeclinedError is a manual retry refused by the gateway.
type RetryDeclinedError struct {
	Reason string
	Err    error
}

func (e *RetryDeclinedError) Error() string { return "manual retry declined: " + e.Reason }
func (e *RetryDeclinedError) Unwrap() error { return e.Err }

// Failure is an invoice.payment_failed event.
type Failure struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	Email          string
	AmountDue      int64
	Currency       string
	AttemptCount   int
	NextRetryAt    *time.Time
	ErrorMessage   string
	// OverdueSince is when the invoice first became due. Zero uses OccurredAt.
	OverdueSince time.Time
	OccurredAt   time.Time
}

// Config tunes the scheduler.
type Config struct {
	RetryCooldown  time.Duration
	NoticeInterval time.Duration
}

// ConfigFromEnv reads DUNNING_MANUAL_RETRY_COOLDOWN and DUNNING_NOTICE_INTERVAL.
func ConfigFromEnv() Config {
	return Config{
		RetryCooldown:  env.GetEnvDuration("DUNNING_MANUAL_RETRY_COOLDOWN", DefaultRetryCooldown),
		NoticeInterval: env.GetEnvDuration("DUNNING_NOTICE_INTERVAL", DefaultNoticeInterval),
	}
}

// Scheduler owns DunningCase rows.
type Scheduler struct {
	db       *gorm.DB
	gw       gateway.Gateway
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(db *gorm.DB, gw gateway.Gateway, notifier notify.Notifier, cfg Config) *Scheduler {
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultRetryCooldown
	}
	if cfg.NoticeInterval <= 0 {
		cfg.NoticeInterval = DefaultNoticeInterval
	}
	return &Scheduler{db: db, gw: gw, notifier: notifier, cfg: cfg, now: time.Now}
}

// DaysOverdue counts calendar days since the invoice became due, starting at 1.
func DaysOverdue(since, now time.Time) int {
	if now.Before(since) {
		return 1
	}
	return int(now.Sub(since)/(24*time.Hour)) + 1
}

// StageForDays maps days overdue onto a stage: 1-2 reminder, 3-6 urgent,
// 7 and later final.
func StageForDays(days int) models.DunningStage {
	switch {
	case days >= 7:
		return models.DunningStageFinal
	case days >= 3:
		return models.DunningStageUrgent
	default:
		return models.DunningStageReminder
	}
}

// nextStage moves at most one step from current toward target and never back.
func nextStage(current, target models.DunningStage) models.DunningStage {
	if target.Rank() <= current.Rank() {
		return current
	}
	switch current {
	case models.DunningStageReminder:
		return models.DunningStageUrgent
	case models.DunningStageUrgent:
		return models.DunningStageFinal
	default:
		return current
	}
}

// OnPaymentFailed opens or advances the case for the invoice inside tx and
// returns the notice to send once tx commits. A nil notice means nothing
// changed.
func (s *Scheduler) OnPaymentFailed(ctx context.Context, tx *gorm.DB, f Failure) (*models.DunningCase, *notify.Notice, error) {
	invoiceID := strings.TrimSpace(f.InvoiceID)
	if invoiceID == "" {
		return nil, nil, errors.New("dunning: invoice id is required")
	}
	tx = tx.WithContext(ctx)
	at := f.OccurredAt.UTC()
	if at.IsZero() {
		at = s.now().UTC()
	}

	c, err := findCase(tx, invoiceID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	if c == nil {
		since := f.OverdueSince.UTC()
		if since.IsZero() || since.After(at) {
			since = at
		}
		c = &models.DunningCase{
			InvoiceID:              invoiceID,
			ExternalSubscriptionID: strings.TrimSpace(f.SubscriptionID),
			ExternalCustomerID:     strings.TrimSpace(f.CustomerID),
			ContactEmail:           strings.TrimSpace(f.Email),
			AmountDue:              f.AmountDue,
			Currency:               strings.ToLower(f.Currency),
			AttemptCount:           maxInt(f.AttemptCount, 1),
			Stage:                  StageForDays(DaysOverdue(since, at)),
			OverdueSince:           since,
		}
		s.applyFailure(c, f, at)
		if err := tx.Create(c).Error; err != nil {
			return nil, nil, err
		}
		log.Infof("[Dunning] opened case for invoice %s at stage %s", invoiceID, c.Stage)
		n := s.noticeFor(c)
		return c, n, nil
	}

	if c.Stage.IsTerminal() {
		log.Infof("[Dunning] invoice %s already %s, ignoring failure", invoiceID, c.Stage)
		return c, nil, nil
	}
	if !c.LastEventAt.IsZero() && at.Before(c.LastEventAt) {
		log.Infof("[Dunning] skipping stale failure for invoice %s", invoiceID)
		return c, nil, nil
	}

	prev := c.Stage
	c.AttemptCount = maxInt(c.AttemptCount+1, f.AttemptCount)
	c.Stage = nextStage(c.Stage, StageForDays(DaysOverdue(c.OverdueSince, at)))
	s.applyFailure(c, f, at)
	res := tx.Model(&models.DunningCase{}).
		Where("id = ? AND stage = ?", c.ID, prev).
		Updates(map[string]interface{}{
			"attempt_count":            c.AttemptCount,
			"stage":                    c.Stage,
			"amount_due":               c.AmountDue,
			"contact_email":            c.ContactEmail,
			"external_subscription_id": c.ExternalSubscriptionID,
			"next_retry_at":            c.NextRetryAt,
			"last_error_message":       c.LastErrorMessage,
			"next_notice_at":           c.NextNoticeAt,
			"last_event_at":            c.LastEventAt,
		})
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		log.Infof("[Dunning] invoice %s changed concurrently, ignoring failure", invoiceID)
		c, err = findCase(tx, invoiceID)
		return c, nil, err
	}
	if c.Stage != prev {
		log.Infof("[Dunning] invoice %s escalated %s -> %s", invoiceID, prev, c.Stage)
	}
	return c, s.noticeFor(c), nil
}

func (s *Scheduler) applyFailure(c *models.DunningCase, f Failure, at time.Time) {
	if f.AmountDue > 0 {
		c.AmountDue = f.AmountDue
	}
	if v := strings.TrimSpace(f.Email); v != "" {
		c.ContactEmail = v
	}
	if v := strings.TrimSpace(f.SubscriptionID); v != "" && c.ExternalSubscriptionID == "" {
		c.ExternalSubscriptionID = v
	}
	c.NextRetryAt = f.NextRetryAt
	if msg := strings.TrimSpace(f.ErrorMessage); msg != "" {
		c.LastErrorMessage = msg
	}
	next := at.Add(s.cfg.NoticeInterval)
	c.NextNoticeAt = &next
	c.LastEventAt = at
}

// OnPaymentSucceeded resolves the case for the invoice from any stage.
func (s *Scheduler) OnPaymentSucceeded(ctx context.Context, tx *gorm.DB, invoiceID string, at time.Time) (*models.DunningCase, *notify.Notice, error) {
	tx = tx.WithContext(ctx)
	c, err := findCase(tx, strings.TrimSpace(invoiceID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if c.Stage == models.DunningStageResolved {
		return c, nil, nil
	}
	ok, err := s.markResolved(tx, c, at)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return c, nil, nil
	}
	log.Infof("[Dunning] invoice %s resolved", c.InvoiceID)
	return c, s.noticeFor(c), nil
}

// markResolved resolves c unless another writer already did. It reports
// whether this call made the transition.
func (s *Scheduler) markResolved(tx *gorm.DB, c *models.DunningCase, at time.Time) (bool, error) {
	s.resolve(c, at)
	res := tx.Model(&models.DunningCase{}).
		Where("id = ? AND stage <> ?", c.ID, models.DunningStageResolved).
		Updates(map[string]interface{}{
			"stage":          c.Stage,
			"resolved_at":    c.ResolvedAt,
			"next_notice_at": nil,
			"next_retry_at":  nil,
			"last_event_at":  c.LastEventAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Scheduler) resolve(c *models.DunningCase, at time.Time) {
	at = at.UTC()
	if at.IsZero() {
		at = s.now().UTC()
	}
	c.Stage = models.DunningStageResolved
	c.ResolvedAt = &at
	c.NextNoticeAt = nil
	c.NextRetryAt = nil
	if at.After(c.LastEventAt) {
		c.LastEventAt = at
	}
}

// OnSubscriptionCanceled closes every open case of the subscription.
func (s *Scheduler) OnSubscriptionCanceled(ctx context.Context, tx *gorm.DB, subscriptionID string, at time.Time) (int64, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return 0, nil
	}
	res := tx.WithContext(ctx).Model(&models.DunningCase{}).
		Where("external_subscription_id = ? AND stage IN ?", subscriptionID, openStages()).
		Updates(map[string]interface{}{
			"stage":          models.DunningStageSubscriptionCanceled,
			"next_notice_at": nil,
			"next_retry_at":  nil,
			"last_event_at":  at.UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("[Dunning] closed %d case(s) for canceled subscription %s", res.RowsAffected, subscriptionID)
	}
	return res.RowsAffected, nil
}

// ManualRetry asks the gateway to collect the invoice now. A decline is
// recorded but never advances the stage.
func (s *Scheduler) ManualRetry(ctx context.Context, invoiceID string, userID uint) (*models.DunningCase, error) {
	c, err := s.FindForUser(ctx, invoiceID, userID)
	if err != nil {
		return nil, err
	}
	if c.Stage.IsTerminal() {
		return c, ErrCaseClosed
	}
	now := s.now().UTC()
	if c.LastManualRetryAt != nil && now.Sub(*c.LastManualRetryAt) < s.cfg.RetryCooldown {
		return c, ErrRetryCooldown
	}

	// Claim the attempt first so the cooldown holds even if the call hangs.
	// The claim only matches while the case is open and no other retry has
	// been recorded since it was read.
	db := s.db.WithContext(ctx)
	res := sameTime(db.Model(&models.DunningCase{}).
		Where("id = ? AND stage IN ?", c.ID, openStages()), "last_manual_retry_at", c.LastManualRetryAt).
		Updates(map[string]interface{}{
			"manual_retry_count":   gorm.Expr("manual_retry_count + 1"),
			"last_manual_retry_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := findCase(db, c.InvoiceID)
		if err != nil {
			return nil, err
		}
		if current.Stage.IsTerminal() {
			return current, ErrCaseClosed
		}
		return current, ErrRetryCooldown
	}
	c.ManualRetryCount++
	c.LastManualRetryAt = &now

	if err := s.gw.PayInvoice(ctx, c.InvoiceID); err != nil {
		reason := gateway.DeclineReason(err)
		c.LastErrorMessage = reason
		saveErr := db.Model(&models.DunningCase{}).
			Where("id = ? AND stage IN ?", c.ID, openStages()).
			Update("last_error_message", reason).Error
		if saveErr != nil {
			log.Errorf("[Dunning] failed to store decline for %s: %v", c.InvoiceID, saveErr)
		}
		log.Warnf("[Dunning] manual retry for %s declined: %v", c.InvoiceID, err)
		return c, &RetryDeclinedError{Reason: reason, Err: err}
	}

	ok, err := s.markResolved(db, c, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The payment_succeeded event got there first and sent the notice.
		return findCase(db, c.InvoiceID)
	}
	notify.Send(ctx, s.notifier, *s.noticeFor(c))
	return c, nil
}

// FindForUser loads a case the user owns through their booking.
func (s *Scheduler) FindForUser(ctx context.Context, invoiceID string, userID uint) (*models.DunningCase, error) {
	var c models.DunningCase
	err := s.db.WithContext(ctx).
		Joins("JOIN bookings ON bookings.external_subscription_id = dunning_cases.external_subscription_id").
		Where("dunning_cases.invoice_id = ? AND bookings.advertiser_id = ?", strings.TrimSpace(invoiceID), userID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListForUser returns the user's cases, open ones first.
func (s *Scheduler) ListForUser(ctx context.Context, userID uint, includeClosed bool) ([]models.DunningCase, error) {
	q := s.db.WithContext(ctx).
		Joins("JOIN bookings ON bookings.external_subscription_id = dunning_cases.external_subscription_id").
		Where("bookings.advertiser_id = ?", userID)
	if !includeClosed {
		q = q.Where("dunning_cases.stage IN ?", openStages())
	}
	var cases []models.DunningCase
	err := q.Order("dunning_cases.overdue_since ASC").Find(&cases).Error
	return cases, err
}

// Sweep resends the current-stage notice for open cases whose notice is
// due. It never escalates; only gateway events move the stage.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var due []models.DunningCase
	if err := s.db.WithContext(ctx).
		Where("stage IN ? AND next_notice_at IS NOT NULL AND next_notice_at <= ?", openStages(), now).
		Order("next_notice_at ASC").
		Limit(500).
		Find(&due).Error; err != nil {
		return 0, err
	}

	sent := 0
	for i := range due {
		c := &due[i]
		claimed, err := s.claimNotice(ctx, c, now.Add(s.cfg.NoticeInterval))
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}
		if n := s.noticeFor(c); n != nil {
			notify.Send(ctx, s.notifier, *n)
			sent++
		}
	}
	if sent > 0 {
		log.Infof("[Dunning] sweep sent %d reminder(s)", sent)
	}
	return sent, nil
}

// claimNotice moves the case's next notice to next if it still holds the
// stage and next_notice_at that c was read with. Only one sweeper wins.
func (s *Scheduler) claimNotice(ctx context.Context, c *models.DunningCase, next time.Time) (bool, error) {
	res := sameTime(s.db.WithContext(ctx).Model(&models.DunningCase{}).
		Where("id = ? AND stage = ?", c.ID, c.Stage), "next_notice_at", c.NextNoticeAt).
		Update("next_notice_at", next)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func findCase(tx *gorm.DB, invoiceID string) (*models.DunningCase, error) {
	var c models.DunningCase
	if err := tx.Where("invoice_id = ?", invoiceID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// sameTime matches column against a previously read value, NULL included.
func sameTime(q *gorm.DB, column string, v *time.Time) *gorm.DB {
	if v == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *v)
}

func openStages() []models.DunningStage {
	return []models.DunningStage{models.DunningStageReminder, models.DunningStageUrgent, models.DunningStageFinal}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
