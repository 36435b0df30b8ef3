package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

// DefaultTolerance is the replay window applied to signed timestamps.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrSignatureInvalid means the payload was not signed with our secret.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrEventStale means the signature is valid but older than the tolerance.
	ErrEventStale = errors.New("webhook event stale")
	// ErrMalformedEvent means the signed payload could not be decoded.
	ErrMalformedEvent = errors.New("webhook payload malformed")
)

// Verifier authenticates inbound gateway webhooks.
type Verifier struct {
	secret    string
	Tolerance time.Duration
}

// NewVerifier creates a verifier for the given endpoint secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), Tolerance: tolerance}
}

// NewVerifierFromEnv reads STRIPE_WEBHOOK_SECRET and STRIPE_WEBHOOK_TOLERANCE.
func NewVerifierFromEnv() *Verifier {
	return NewVerifier(
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		env.GetEnvDuration("STRIPE_WEBHOOK_TOLERANCE", DefaultTolerance),
	)
}

// Verify checks the HMAC signature header against rawBody in constant time,
// rejects timestamps older than tolerance and decodes the event.
//
// ErrSignatureInvalid and ErrEventStale are terminal. ErrMalformedEvent is
// returned together with whatever part of the envelope could be read, so the
// caller can still acknowledge and flag the event.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string, tolerance time.Duration) (Event, error) {
	if v.secret == "" {
		return Event{}, fmt.Errorf("%w: no endpoint secret configured", ErrSignatureInvalid)
	}
	if tolerance <= 0 {
		tolerance = v.Tolerance
	}

	if err := stripewebhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, v.secret, tolerance); err != nil {
		switch {
		case errors.Is(err, stripewebhook.ErrTooOld):
			return Event{}, fmt.Errorf("%w: %v", ErrEventStale, err)
		default:
			return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	return Decode(rawBody)
}
