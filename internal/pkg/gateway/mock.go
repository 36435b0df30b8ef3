package gateway

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway records calls and returns configurable results.
type MockGateway struct {
	mu sync.Mutex

	Sessions      []CheckoutParams
	Products      []ProductParams
	Deactivated   []string
	Updates       []SubscriptionUpdate
	PaidInvoices  []string
	PayInvoiceErr error

	CheckoutErr error
	ProductErr  error
	UpdateErr   error

	seq int
}

// SubscriptionUpdate records one UpdateSubscriptionPrice call.
type SubscriptionUpdate struct {
	SubscriptionID string
	PriceID        string
	Prorate        bool
}

// NewMockGateway creates a MockGateway ready for use.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mock_%d", prefix, m.seq)
}

func (m *MockGateway) CreateCheckoutSession(_ context.Context, in CheckoutParams) (*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CheckoutErr != nil {
		return nil, m.CheckoutErr
	}
	m.Sessions = append(m.Sessions, in)
	id := m.next("cs")
	return &CheckoutSession{ID: id, URL: "https://checkout.example/" + id, CustomerID: in.CustomerID}, nil
}

func (m *MockGateway) CreateProduct(_ context.Context, in ProductParams) (*ProductPrices, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProductErr != nil {
		return nil, m.ProductErr
	}
	m.Products = append(m.Products, in)
	return &ProductPrices{
		ProductID:      m.next("prod"),
		MonthlyPriceID: m.next("price"),
		AnnualPriceID:  m.next("price"),
	}, nil
}

func (m *MockGateway) DeactivateProduct(_ context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deactivated = append(m.Deactivated, productID)
	return nil
}

func (m *MockGateway) UpdateSubscriptionPrice(_ context.Context, subscriptionID, priceID string, prorate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.Updates = append(m.Updates, SubscriptionUpdate{SubscriptionID: subscriptionID, PriceID: priceID, Prorate: prorate})
	return nil
}

func (m *MockGateway) PayInvoice(_ context.Context, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PaidInvoices = append(m.PaidInvoices, invoiceID)
	return m.PayInvoiceErr
}
