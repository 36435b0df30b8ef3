package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NotificationHandler returns the handler for send_notification jobs.
func NotificationHandler(m Mailer) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := NotificationJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid notification payload: %w", err)
		}
		if strings.TrimSpace(payload.To) == "" {
			// Nothing to deliver; retrying will not change that.
			log.Warnf("[JobQueue] Notification %s (%s) has no recipient, dropping", payload.Kind, payload.Reference)
			return nil
		}
		if err := m.Send(ctx, payload.To, payload.Subject, payload.Body); err != nil {
			return fmt.Errorf("send %s notification for %s: %w", payload.Kind, payload.Reference, err)
		}
		log.Infof("[JobQueue] Sent %s notification for %s", payload.Kind, payload.Reference)
		return nil
	}
}
