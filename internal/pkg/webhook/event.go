package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventType is the gateway's event type string.
type EventType string

const (
	TypeCheckoutCompleted           EventType = "checkout.session.completed"
	TypeCheckoutAsyncPaymentSuccess EventType = "checkout.session.async_payment_succeeded"
	TypeCheckoutAsyncPaymentFailed  EventType = "checkout.session.async_payment_failed"
	TypeCheckoutExpired             EventType = "checkout.session.expired"
	TypeSubscriptionCreated         EventType = "customer.subscription.created"
	TypeSubscriptionUpdated         EventType = "customer.subscription.updated"
	TypeSubscriptionDeleted         EventType = "customer.subscription.deleted"
	TypeInvoicePaymentFailed        EventType = "invoice.payment_failed"
	TypeInvoicePaymentSucceeded     EventType = "invoice.payment_succeeded"
	TypeInvoicePaid                 EventType = "invoice.paid"
	TypeChargeRefunded              EventType = "charge.refunded"
	TypeChargeDisputeCreated        EventType = "charge.dispute.created"
)

// Event is a verified gateway event. Payload is one of *CheckoutSession,
// *Subscription, *Invoice, *Charge, *Dispute or *Unknown.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time
	Payload Payload
	Raw     []byte
}

// Payload is the closed set of decoded event objects.
type Payload interface {
	payload()
}

type envelope struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type" validate:"required"`
	Created int64     `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

var validate = validator.New()

// Decode parses a raw event body into its typed form. It performs no
// signature check; use Verifier.Verify for untrusted input.
func Decode(raw []byte) (Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return Event{Raw: raw}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := Event{
		ID:   strings.TrimSpace(env.ID),
		Type: EventType(strings.TrimSpace(string(env.Type))),
		Raw:  raw,
	}
	if ev.ID == "" {
		sum := sha256.Sum256(raw)
		ev.ID = "hash:" + hex.EncodeToString(sum[:])
	}
	if env.Created > 0 {
		ev.Created = time.Unix(env.Created, 0).UTC()
	}
	if err := validate.Struct(env); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	p, err := decodePayload(ev.Type, env.Data.Object)
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.Type, err)
	}
	ev.Payload = p
	return ev, nil
}

func decodePayload(t EventType, obj json.RawMessage) (Payload, error) {
	var target Payload
	switch t {
	case TypeCheckoutCompleted, TypeCheckoutAsyncPaymentSuccess, TypeCheckoutAsyncPaymentFailed, TypeCheckoutExpired:
		target = &CheckoutSession{}
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		target = &Subscription{}
	case TypeInvoicePaymentFailed, TypeInvoicePaymentSucceeded, TypeInvoicePaid:
		target = &Invoice{}
	case TypeChargeRefunded:
		target = &Charge{}
	case TypeChargeDisputeCreated:
		target = &Dispute{}
	default:
		return &Unknown{Type: t, Object: obj}, nil
	}

	if len(obj) == 0 || string(obj) == "null" {
		return nil, fmt.Errorf("missing data.object")
	}
	if err := json.Unmarshal(obj, target); err != nil {
		return nil, err
	}
	if err := validate.Struct(target); err != nil {
		return nil, err
	}
	return target, nil
}
