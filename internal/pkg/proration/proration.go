// Package proration computes the charge or credit produced by switching a
// subscription to another plan in the middle of a billing period.
package proration

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInvalidPeriod    = errors.New("proration: period end must be after period start")
	ErrCurrencyMismatch = errors.New("proration: plans use different currencies")
	ErrNegativeAmount   = errors.New("proration: plan amount must not be negative")
)

// Plan is a price for one billing period in minor currency units.
type Plan struct {
	PriceID  string
	Amount   int64
	Currency string
	Interval string
}

// Result holds all amounts in minor currency units.
type Result struct {
	Currency          string  `json:"currency"`
	ElapsedFraction   float64 `json:"elapsed_fraction"`
	UnusedCredit      int64   `json:"unused_credit"`
	NewCharge         int64   `json:"new_charge"`
	ImmediateCharge   int64   `json:"immediate_charge"`
	CreditApplied     int64   `json:"credit_applied"`
	NextInvoiceAmount int64   `json:"next_invoice_amount"`
}

// ComputeProration prices the remainder of the current period at the new
// rate against the unused part of the current plan. now is clamped into
// [periodStart, periodEnd]. Only the elapsed fraction is rational; each
// amount is rounded half-up to a whole minor unit once.
func ComputeProration(current, next Plan, periodStart, periodEnd, now time.Time) (Result, error) {
	if !periodEnd.After(periodStart) {
		return Result{}, ErrInvalidPeriod
	}
	if current.Amount < 0 || next.Amount < 0 {
		return Result{}, ErrNegativeAmount
	}
	currency := strings.ToLower(strings.TrimSpace(current.Currency))
	if nc := strings.ToLower(strings.TrimSpace(next.Currency)); currency != "" && nc != "" && currency != nc {
		return Result{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, currency, nc)
	} else if currency == "" {
		currency = nc
	}

	if now.Before(periodStart) {
		now = periodStart
	}
	if now.After(periodEnd) {
		now = periodEnd
	}

	elapsed := big.NewRat(int64(now.Sub(periodStart)), int64(periodEnd.Sub(periodStart)))
	remaining := new(big.Rat).Sub(big.NewRat(1, 1), elapsed)

	unused := scale(current.Amount, remaining)
	charge := scale(next.Amount, remaining)

	res := Result{
		Currency:          currency,
		UnusedCredit:      unused,
		NewCharge:         charge,
		NextInvoiceAmount: next.Amount,
	}
	res.ElapsedFraction, _ = elapsed.Float64()
	if charge > unused {
		res.ImmediateCharge = charge - unused
	} else {
		res.CreditApplied = unused - charge
	}
	return res, nil
}

// scale returns amount*frac rounded half-up. Both inputs are non-negative.
func scale(amount int64, frac *big.Rat) int64 {
	v := new(big.Rat).Mul(new(big.Rat).SetInt64(amount), frac)
	// floor((2*num + den) / (2*den))
	num := new(big.Int).Mul(v.Num(), big.NewInt(2))
	num.Add(num, v.Denom())
	den := new(big.Int).Mul(v.Denom(), big.NewInt(2))
	return new(big.Int).Quo(num, den).Int64()
}
