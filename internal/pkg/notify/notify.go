// Package notify hands customer notifications to an asynchronous transport.
// Delivery never happens inline with webhook processing.
package notify

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/jobqueue"
)

// Notice kinds.
const (
	KindDunningReminder = "dunning_reminder"
	KindDunningUrgent   = "dunning_urgent"
	KindDunningFinal    = "dunning_final"
	KindDunningResolved = "dunning_resolved"
	KindOrderPaid       = "order_paid"
	KindOrderFailed     = "order_failed"
	KindSlotConflict    = "slot_conflict"
)

// Notice is one customer-facing message.
type Notice struct {
	Kind      string `json:"kind"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

// Notifier accepts notices for later delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Enqueuer is the subset of jobqueue.Queue used by QueueNotifier.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// QueueNotifier stores notices as send_notification jobs.
type QueueNotifier struct {
	queue Enqueuer
}

// NewQueueNotifier creates a QueueNotifier.
func NewQueueNotifier(q Enqueuer) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, notice Notice) error {
	_, err := n.queue.EnqueueJob(ctx, jobqueue.JobTypeSendNotification, jobqueue.NotificationJobPayload{
		Kind:      notice.Kind,
		To:        notice.To,
		Subject:   notice.Subject,
		Body:      notice.Body,
		Reference: notice.Reference,
	}.ToMap())
	return err
}

// LogNotifier only logs. It is used when no transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notice) error {
	log.Infof("[Notify] %s for %s to %q: %s", n.Kind, n.Reference, n.To, n.Subject)
	return nil
}

// Send delivers a notice and logs a failure instead of returning it. State
// transitions never depend on notification delivery.
func Send(ctx context.Context, n Notifier, notice Notice) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, notice); err != nil {
		log.Errorf("[Notify] failed to hand off %s for %s: %v", notice.Kind, notice.Reference, err)
	}
}

// NewFromEnv picks the transport named by NOTIFY_TRANSPORT (queue or amqp).
// The returned close function releases transport resources.
func NewFromEnv(queue Enqueuer) (Notifier, func(), error) {
	switch strings.ToLower(strings.TrimSpace(env.GetEnv("NOTIFY_TRANSPORT", "queue"))) {
	case "amqp":
		p, err := NewAMQPNotifier(env.GetEnv("AMQP_URL", ""), env.GetEnv("AMQP_EXCHANGE", DefaultExchange))
		if err != nil {
			return nil, func() {}, err
		}
		return p, p.Close, nil
	case "log", "none":
		return LogNotifier{}, func() {}, nil
	default:
		if queue == nil {
			return LogNotifier{}, func() {}, nil
		}
		return NewQueueNotifier(queue), func() {}, nil
	}
}
