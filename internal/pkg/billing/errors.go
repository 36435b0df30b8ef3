package billing

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

// SecurityError is an event that failed authentication. It is never retried.
type SecurityError struct {
	Err error
}

func (e *SecurityError) Error() string { return "webhook rejected: " + e.Err.Error() }
func (e *SecurityError) Unwrap() error { return e.Err }

// ConflictError is a business-invariant breach: a slot race or a second order
// for the same session. The event is acknowledged and flagged for review.
type ConflictError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return e.Kind + ": " + e.Detail
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ValidationError is a payload that can never be applied. The event is
// acknowledged and flagged for review.
type ValidationError struct {
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "invalid event: " + e.Detail + ": " + e.Err.Error()
	}
	return "invalid event: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ClassifyVerifyError maps a verifier error onto the taxonomy. Malformed
// payloads become ValidationError, everything else SecurityError.
func ClassifyVerifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, webhook.ErrMalformedEvent) {
		return &ValidationError{Detail: "malformed payload", Err: err}
	}
	return &SecurityError{Err: err}
}

// Acknowledged reports whether the event outcome is durable and the gateway
// must not redeliver: success, duplicates, conflicts and invalid payloads.
func Acknowledged(err error) bool {
	if err == nil {
		return true
	}
	var conflict *ConflictError
	var invalid *ValidationError
	return errors.As(err, &conflict) || errors.As(err, &invalid)
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}
