package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, p Payload)
	}{
		{
			name: "subscription with item period",
			body: `{"id":"evt_s","type":"customer.subscription.updated","created":1,"data":{"object":{
				"id":"sub_1","status":"active","customer":{"id":"cus_1","object":"customer"},
				"metadata":{"resource_id":"res_1","position":"2"},
				"items":{"data":[{"id":"si_1","current_period_start":100,"current_period_end":200,
					"price":{"id":"price_1","unit_amount":5000,"currency":"usd","recurring":{"interval":"month"}}}]}}}}`,
			check: func(t *testing.T, p Payload) {
				sub, ok := p.(*Subscription)
				require.True(t, ok)
				assert.Equal(t, "cus_1", sub.Customer.String())
				start, end := sub.Period()
				assert.Equal(t, int64(100), start)
				assert.Equal(t, int64(200), end)
				assert.Equal(t, "price_1", sub.PriceID())
				assert.Equal(t, "month", sub.Interval())
			},
		},
		{
			name: "invoice with parent subscription",
			body: `{"id":"evt_i","type":"invoice.payment_failed","created":1,"data":{"object":{
				"id":"in_1","customer":"cus_1","amount_due":2500,"currency":"usd","attempt_count":2,
				"parent":{"subscription_details":{"subscription":"sub_1"}}}}}`,
			check: func(t *testing.T, p Payload) {
				inv, ok := p.(*Invoice)
				require.True(t, ok)
				assert.Equal(t, "sub_1", inv.SubscriptionID())
				assert.Equal(t, 2, inv.AttemptCount)
			},
		},
		{
			name: "invoice with expanded payment intent",
			body: `{"id":"evt_i3","type":"invoice.payment_failed","created":1,"data":{"object":{
				"id":"in_3","subscription":"sub_3","charge":"ch_3",
				"payment_intent":{"id":"pi_3","last_payment_error":{"message":" Your card has expired. "}}}}}`,
			check: func(t *testing.T, p Payload) {
				inv, ok := p.(*Invoice)
				require.True(t, ok)
				require.NotNil(t, inv.PaymentIntent)
				assert.Equal(t, "pi_3", inv.PaymentIntent.ID)
				assert.Equal(t, "ch_3", inv.Charge.ID)
				assert.Equal(t, "Your card has expired.", inv.PaymentErrorMessage())
			},
		},
		{
			name: "invoice with legacy subscription field",
			body: `{"id":"evt_i2","type":"invoice.paid","created":1,"data":{"object":{"id":"in_2","subscription":"sub_2"}}}`,
			check: func(t *testing.T, p Payload) {
				inv, ok := p.(*Invoice)
				require.True(t, ok)
				assert.Equal(t, "sub_2", inv.SubscriptionID())
			},
		},
		{
			name: "dispute",
			body: `{"id":"evt_d","type":"charge.dispute.created","created":1,"data":{"object":{"id":"dp_1","charge":"ch_1","payment_intent":"pi_1"}}}`,
			check: func(t *testing.T, p Payload) {
				d, ok := p.(*Dispute)
				require.True(t, ok)
				assert.Equal(t, "pi_1", d.PaymentIntent.String())
			},
		},
		{
			name: "unknown type",
			body: `{"id":"evt_u","type":"customer.created","created":1,"data":{"object":{"id":"cus_1"}}}`,
			check: func(t *testing.T, p Payload) {
				u, ok := p.(*Unknown)
				require.True(t, ok)
				assert.Equal(t, EventType("customer.created"), u.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.body))
			require.NoError(t, err)
			tt.check(t, ev.Payload)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing type", `{"id":"evt_1","data":{"object":{"id":"in_1"}}}`},
		{"missing object", `{"id":"evt_1","type":"invoice.paid","data":{}}`},
		{"negative amount", `{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1","amount_due":-5}}}`},
		{"bad checkout mode", `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"weird"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestDecodeDerivesIDFromBody(t *testing.T) {
	body := []byte(`{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	a, err := Decode(body)
	require.NoError(t, err)
	b, err := Decode(body)
	require.NoError(t, err)
	assert.Contains(t, a.ID, "hash:")
	assert.Equal(t, a.ID, b.ID)
}
