// Package metrics wraps the Prometheus collectors used across the redemption
// pipeline. The registry is created by the caller and passed in explicitly so
// components never share implicit global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the promo-service.
type Metrics struct {
	registry *prometheus.Registry

	RedemptionAttempts  *prometheus.CounterVec
	Disbursements       *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	DeadLetters         prometheus.Counter
	DeadLetterFailures  prometheus.Counter
	DisbursementSeconds prometheus.Histogram
}

// New registers the promo-service collectors on the given registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		RedemptionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_redemption_attempts_total",
			Help: "USSD redemption attempts by outcome.",
		}, []string{"status"}),
		Disbursements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_disbursements_total",
			Help: "Disbursement job executions by mode and outcome.",
		}, []string{"mode", "status"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_webhook_events_total",
			Help: "Provider webhook deliveries by result.",
		}, []string{"result"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promo_dead_letter_total",
			Help: "Jobs moved to the dead-letter queue after exhausting retries.",
		}),
		DeadLetterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promo_dead_letter_failures_total",
			Help: "Failed attempts to enqueue a job onto the dead-letter queue.",
		}),
		DisbursementSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promo_disbursement_duration_seconds",
			Help:    "Wall-clock duration of disbursement job executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.RedemptionAttempts,
		m.Disbursements,
		m.WebhookEvents,
		m.DeadLetters,
		m.DeadLetterFailures,
		m.DisbursementSeconds,
	)
	return m
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
