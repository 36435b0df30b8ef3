package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/product"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

// StripeGateway implements Gateway with the Stripe API.
type StripeGateway struct {
	apiKey string
}

// NewStripeGateway configures the Stripe client with apiKey.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{apiKey: apiKey}
}

// NewStripeGatewayFromEnv reads STRIPE_SECRET_KEY.
func NewStripeGatewayFromEnv() *StripeGateway {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		log.Warn("[Gateway] STRIPE_SECRET_KEY is not set, outbound gateway calls will fail")
	}
	return NewStripeGateway(key)
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
		},
		Metadata: in.Metadata,
	}
	params.Context = ctx
	if in.Subscription {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: in.Metadata}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: in.Metadata}
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	if in.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(in.ClientReferenceID)
	}

	s, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: create checkout session: %w", wrapStripeError(err))
	}
	out := &CheckoutSession{ID: s.ID, URL: s.URL}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out, nil
}

func (g *StripeGateway) CreateProduct(ctx context.Context, in ProductParams) (*ProductPrices, error) {
	pp := &stripe.ProductParams{Name: stripe.String(in.Name), Metadata: in.Metadata}
	pp.Context = ctx
	p, err := product.New(pp)
	if err != nil {
		return nil, fmt.Errorf("gateway: create product: %w", wrapStripeError(err))
	}

	monthly, err := g.createPrice(ctx, p.ID, in.Currency, in.MonthlyAmount, stripe.PriceRecurringIntervalMonth, in.Metadata)
	if err != nil {
		return nil, err
	}
	annual, err := g.createPrice(ctx, p.ID, in.Currency, in.AnnualAmount, stripe.PriceRecurringIntervalYear, in.Metadata)
	if err != nil {
		return nil, err
	}
	return &ProductPrices{ProductID: p.ID, MonthlyPriceID: monthly, AnnualPriceID: annual}, nil
}

func (g *StripeGateway) createPrice(ctx context.Context, productID, currency string, amount int64, interval stripe.PriceRecurringInterval, meta map[string]string) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		Currency:   stripe.String(strings.ToLower(currency)),
		UnitAmount: stripe.Int64(amount),
		Recurring:  &stripe.PriceRecurringParams{Interval: stripe.String(string(interval))},
		Metadata:   meta,
	}
	params.Context = ctx
	pr, err := price.New(params)
	if err != nil {
		return "", fmt.Errorf("gateway: create %s price: %w", interval, wrapStripeError(err))
	}
	return pr.ID, nil
}

func (g *StripeGateway) DeactivateProduct(ctx context.Context, productID string) error {
	params := &stripe.ProductParams{Active: stripe.Bool(false)}
	params.Context = ctx
	if _, err := product.Update(productID, params); err != nil {
		return fmt.Errorf("gateway: deactivate product: %w", wrapStripeError(err))
	}
	return nil
}

func (g *StripeGateway) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorate bool) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := subscription.Get(subscriptionID, getParams)
	if err != nil {
		return fmt.Errorf("gateway: load subscription: %w", wrapStripeError(err))
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("gateway: subscription %s has no items", subscriptionID)
	}

	behavior := "create_prorations"
	if !prorate {
		behavior = "none"
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String(behavior),
	}
	params.Context = ctx
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("gateway: update subscription: %w", wrapStripeError(err))
	}
	return nil
}

func (g *StripeGateway) PayInvoice(ctx context.Context, invoiceID string) error {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	if _, err := invoice.Pay(invoiceID, params); err != nil {
		return wrapStripeError(err)
	}
	return nil
}

// wrapStripeError turns card errors into DeclineError so callers can show
// the gateway's reason.
func wrapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	if se.Type == stripe.ErrorTypeCard || se.DeclineCode != "" || se.Code == stripe.ErrorCodeCardDeclined {
		return &DeclineError{
			Code:        string(se.Code),
			DeclineCode: string(se.DeclineCode),
			Message:     se.Msg,
			Err:         err,
		}
	}
	return err
}
