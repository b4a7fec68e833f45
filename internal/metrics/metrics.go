// Package metrics exposes the Prometheus instruments of the settlement
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "token_sale"

// Settlement outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Business Metrics
	IntentsTotal       *prometheus.CounterVec
	WebhookEventsTotal *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Pipeline Health
	QueueBacklog      prometheus.Gauge
	StuckTransactions prometheus.Gauge
	RequeuedTotal     prometheus.Counter
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),
		IntentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchase_intents_total",
				Help:      "Purchase intent requests by result (created or error code)",
			},
			[]string{"result"},
		),
		WebhookEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Inbound payment notifications by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		SettlementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		SettlementDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Wall time of settlement attempts that reached the backend",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		QueueBacklog: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_queue_backlog",
				Help:      "Settlement jobs waiting for a worker",
			},
		),
		StuckTransactions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_stuck_transactions",
				Help:      "Claimed processing transactions older than the stuck threshold at the last sweep",
			},
		),
		RequeuedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_requeued_total",
				Help:      "Unclaimed processing transactions re-enqueued by the reconciler",
			},
		),
	}
}

func (m *Metrics) IncIntent(result string) {
	if m == nil {
		return
	}
	m.IntentsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveSettlement counts one attempt. A zero elapsed skips the histogram.
func (m *Metrics) ObserveSettlement(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.SettlementDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SetQueueBacklog(n int) {
	if m == nil {
		return
	}
	m.QueueBacklog.Set(float64(n))
}

func (m *Metrics) SetStuckTransactions(n int) {
	if m == nil {
		return
	}
	m.StuckTransactions.Set(float64(n))
}

func (m *Metrics) AddRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RequeuedTotal.Add(float64(n))
}

// RecordHTTPRequest counts one served request. path is the route pattern.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}
