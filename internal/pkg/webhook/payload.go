package webhook

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExpandableID accepts either a bare object id or an expanded object with an
// "id" field, the two shapes the gateway uses for references.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ExpandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// CheckoutSession is the data.object of checkout.session.* events.
type CheckoutSession struct {
	ID                string            `json:"id" validate:"required"`
	Mode              string            `json:"mode" validate:"omitempty,oneof=payment subscription setup"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	PaymentIntent     ExpandableID      `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total" validate:"gte=0"`
	Currency          string            `json:"currency"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

func (*CheckoutSession) payload() {}

// Email returns the best known contact address for the session.
func (s *CheckoutSession) Email() string {
	if v := strings.TrimSpace(s.CustomerDetails.Email); v != "" {
		return v
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// IsPaid reports whether funds were captured for the session.
func (s *CheckoutSession) IsPaid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID                 string `json:"id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              struct {
		ID         string       `json:"id"`
		Product    ExpandableID `json:"product"`
		UnitAmount int64        `json:"unit_amount"`
		Currency   string       `json:"currency"`
		Recurring  *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
}

// Subscription is the data.object of customer.subscription.* events.
type Subscription struct {
	ID                 string            `json:"id" validate:"required"`
	Customer           ExpandableID      `json:"customer"`
	Status             string            `json:"status" validate:"required"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

func (*Subscription) payload() {}

// FirstItem returns the first subscription item, if any.
func (s *Subscription) FirstItem() (SubscriptionItem, bool) {
	if len(s.Items.Data) == 0 {
		return SubscriptionItem{}, false
	}
	return s.Items.Data[0], true
}

// Period returns the current billing period in unix seconds. Newer API
// versions only carry it on the items.
func (s *Subscription) Period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if item, ok := s.FirstItem(); ok {
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	return start, end
}

// PriceID returns the price of the first item.
func (s *Subscription) PriceID() string {
	if item, ok := s.FirstItem(); ok {
		return item.Price.ID
	}
	return ""
}

// Interval returns the recurring interval of the first item.
func (s *Subscription) Interval() string {
	if item, ok := s.FirstItem(); ok && item.Price.Recurring != nil {
		return item.Price.Recurring.Interval
	}
	return ""
}

// Invoice is the data.object of invoice.* events.
type Invoice struct {
	ID                 string       `json:"id" validate:"required"`
	Customer           ExpandableID `json:"customer"`
	CustomerEmail      string       `json:"customer_email"`
	Subscription       ExpandableID `json:"subscription"`
	Status             string       `json:"status"`
	AmountDue          int64        `json:"amount_due" validate:"gte=0"`
	AmountPaid         int64        `json:"amount_paid" validate:"gte=0"`
	Currency           string       `json:"currency"`
	AttemptCount       int          `json:"attempt_count" validate:"gte=0"`
	NextPaymentAttempt int64        `json:"next_payment_attempt"`
	Created            int64        `json:"created"`
	DueDate            int64        `json:"due_date"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PaymentIntent         *PaymentAttempt `json:"payment_intent"`
	Charge                *PaymentAttempt `json:"charge"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func (*Invoice) payload() {}

// PaymentErrorMessage returns why the last collection attempt failed. It
// prefers the payment intent's last_payment_error, then the charge's
// failure_message, then the finalization error.
func (i *Invoice) PaymentErrorMessage() string {
	for _, a := range []*PaymentAttempt{i.PaymentIntent, i.Charge} {
		if a != nil && a.FailureMessage != "" {
			return a.FailureMessage
		}
	}
	if i.LastFinalizationError != nil {
		return strings.TrimSpace(i.LastFinalizationError.Message)
	}
	return ""
}

// PaymentAttempt is a payment_intent or charge reference on an invoice. It
// is a bare id unless the gateway expanded it, in which case the failure
// detail is kept too.
type PaymentAttempt struct {
	ID             string
	FailureMessage string
}

func (a *PaymentAttempt) UnmarshalJSON(b []byte) error {
	var id ExpandableID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	a.ID = id.String()
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var obj struct {
		LastPaymentError *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
		FailureMessage string `json:"failure_message"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.LastPaymentError != nil {
		a.FailureMessage = strings.TrimSpace(obj.LastPaymentError.Message)
	}
	if a.FailureMessage == "" {
		a.FailureMessage = strings.TrimSpace(obj.FailureMessage)
	}
	return nil
}

// SubscriptionID returns the subscription reference from either the legacy
// top-level field or the parent block of newer API versions.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription.String()
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// Charge is the data.object of charge.refunded.
type Charge struct {
	ID             string       `json:"id" validate:"required"`
	PaymentIntent  ExpandableID `json:"payment_intent"`
	Amount         int64        `json:"amount"`
	AmountRefunded int64        `json:"amount_refunded"`
	Refunded       bool         `json:"refunded"`
	Currency       string       `json:"currency"`
}

func (*Charge) payload() {}

// Dispute is the data.object of charge.dispute.created.
type Dispute struct {
	ID            string       `json:"id" validate:"required"`
	Charge        ExpandableID `json:"charge"`
	PaymentIntent ExpandableID `json:"payment_intent"`
	Reason        string       `json:"reason"`
	Amount        int64        `json:"amount"`
}

func (*Dispute) payload() {}

// Unknown carries event types the engine does not act on.
type Unknown struct {
	Type   EventType
	Object json.RawMessage
}

func (*Unknown) payload() {}
