package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/billing"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

const signatureHeader = "Stripe-Signature"

// WebhookController is the single ingress for gateway events
type WebhookController struct {
	verifier *webhook.Verifier
	router   *billing.Router
}

// NewWebhookController creates a new webhook controller
func NewWebhookController(verifier *webhook.Verifier, router *billing.Router) *WebhookController {
	return &WebhookController{verifier: verifier, router: router}
}

// HandleWebhook handles POST /webhook. It answers 2xx once the event is
// durably recorded, 400 for events that fail authentication and 500 when
// nothing was written so the gateway redelivers.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	// fiber reuses the request buffer after the handler returns
	raw := append([]byte(nil), c.Body()...)

	ev, err := wc.verifier.Verify(raw, c.Get(signatureHeader), 0)
	if err != nil {
		var security *billing.SecurityError
		if errors.As(billing.ClassifyVerifyError(err), &security) {
			log.Warnf("[Webhook] rejected request from %s: %v", GetClientIP(c), err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		}
		return wc.quarantine(c, ev, err)
	}

	if err := wc.router.Route(c.UserContext(), ev); !billing.Acknowledged(err) {
		return jsonError(c, fiber.StatusInternalServerError, "processing_failed", "event could not be processed")
	}
	return c.JSON(fiber.Map{"received": true})
}

func (wc *WebhookController) quarantine(c *fiber.Ctx, ev webhook.Event, cause error) error {
	err := wc.router.Quarantine(c.UserContext(), ev, cause)
	var invalid *billing.ValidationError
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"received": true})
	case errors.As(err, &invalid):
		log.Warnf("[Webhook] unreadable event from %s: %v", GetClientIP(c), cause)
		return jsonError(c, fiber.StatusBadRequest, "malformed_event", "event could not be decoded")
	default:
		return jsonError(c, fiber.StatusInternalServerError, "processing_failed", "event could not be processed")
	}
}
