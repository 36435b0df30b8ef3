// Package metrics exposes Prometheus counters for webhook processing,
// checkout and dunning.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotbilling"

// Webhook outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Collector holds the metric vectors on a private registry.
type Collector struct {
	registry *prometheus.Registry

	WebhookEvents      *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec
	SlotConflicts      prometheus.Counter
	DunningTransitions *prometheus.CounterVec
	CheckoutSessions   *prometheus.CounterVec
	SweepRuns          *prometheus.CounterVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events by type and outcome",
		}, []string{"type", "outcome"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent routing one webhook event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		SlotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_conflicts_total",
			Help:      "Subscriptions rejected because their slot was already booked",
		}),
		DunningTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dunning_transitions_total",
			Help:      "Dunning cases entering a stage",
		}, []string{"stage"}),
		CheckoutSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions by category and result",
		}, []string{"category", "result"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Background sweep runs by name and status",
		}, []string{"sweep", "status"}),
	}
	reg.MustRegister(
		c.WebhookEvents,
		c.WebhookDuration,
		c.SlotConflicts,
		c.DunningTransitions,
		c.CheckoutSessions,
		c.SweepRuns,
		collectors.NewGoCollector(),
	)
	return c
}

var (
	defaultOnce sync.Once
	defaultC    *Collector
)

// Default returns the process-wide collector.
func Default() *Collector {
	defaultOnce.Do(func() { defaultC = New() })
	return defaultC
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveWebhook counts one routed event. A nil Collector is a no-op.
func (c *Collector) ObserveWebhook(eventType, outcome string, started time.Time) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	c.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
	if outcome == OutcomeConflict {
		c.SlotConflicts.Inc()
	}
}

// DunningStage counts a case entering stage.
func (c *Collector) DunningStage(stage string) {
	if c == nil {
		return
	}
	c.DunningTransitions.WithLabelValues(stage).Inc()
}

// Checkout counts a checkout attempt.
func (c *Collector) Checkout(category, result string) {
	if c == nil {
		return
	}
	c.CheckoutSessions.WithLabelValues(category, result).Inc()
}

// Sweep counts a background sweep run.
func (c *Collector) Sweep(name string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.SweepRuns.WithLabelValues(name, status).Inc()
}
