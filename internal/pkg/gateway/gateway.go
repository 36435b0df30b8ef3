// Package gateway wraps the outbound calls made to the payment gateway.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// Gateway is the outbound surface of the payment gateway.
type Gateway interface {
	// CreateCheckoutSession starts a hosted checkout and returns its redirect URL.
	CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*CheckoutSession, error)
	// CreateProduct creates a product with one monthly and one annual price.
	CreateProduct(ctx context.Context, in ProductParams) (*ProductPrices, error)
	// DeactivateProduct archives a product so it cannot be sold again.
	DeactivateProduct(ctx context.Context, productID string) error
	// UpdateSubscriptionPrice moves a subscription onto another price.
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorate bool) error
	// PayInvoice retries collection of an open invoice once.
	PayInvoice(ctx context.Context, invoiceID string) error
}

// CheckoutParams describes one hosted checkout attempt.
type CheckoutParams struct {
	Subscription      bool
	PriceID           string
	CustomerID        string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// CheckoutSession is the created session.
type CheckoutSession struct {
	ID         string
	URL        string
	CustomerID string
}

// ProductParams describes the product sold for one slot.
type ProductParams struct {
	Name          string
	Currency      string
	MonthlyAmount int64
	AnnualAmount  int64
	Metadata      map[string]string
}

// ProductPrices holds the ids created for a product.
type ProductPrices struct {
	ProductID      string
	MonthlyPriceID string
	AnnualPriceID  string
}

// GenericDeclineMessage is shown when the gateway gives no usable reason.
const GenericDeclineMessage = "The payment could not be completed."

// DeclineError is a collection attempt refused by the gateway.
type DeclineError struct {
	Code        string
	DeclineCode string
	Message     string
	Err         error
}

func (e *DeclineError) Error() string {
	if e.Message != "" {
		return "payment declined: " + e.Message
	}
	return "payment declined"
}

func (e *DeclineError) Unwrap() error { return e.Err }

// Reason returns the text to show the customer.
func (e *DeclineError) Reason() string {
	if m := strings.TrimSpace(e.Message); m != "" {
		return m
	}
	return GenericDeclineMessage
}

// DeclineReason extracts the customer-facing reason from err.
func DeclineReason(err error) string {
	var de *DeclineError
	if errors.As(err, &de) {
		return de.Reason()
	}
	return GenericDeclineMessage
}
