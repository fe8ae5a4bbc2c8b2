package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/promo-engine/promo"
)

// Metrics are the notification counters exported on /metrics.
// A nil *Metrics records nothing.
type Metrics struct {
	RemindersSent    *prometheus.CounterVec
	FeedbackRequests prometheus.Counter
	DeliveryFailures prometheus.Counter
	Reconciliations  *prometheus.CounterVec
	Sweeps           *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RemindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_reminders_sent_total",
			Help: "Expiry reminders delivered, by stage.",
		}, []string{"stage"}),
		FeedbackRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promo_feedback_requests_total",
			Help: "Post-expiry feedback requests delivered.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promo_delivery_failures_total",
			Help: "Notification deliveries that failed.",
		}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_reconciliations_total",
			Help: "Reconciliations performed by the sweep, by outcome.",
		}, []string{"outcome"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_sweeps_total",
			Help: "Notification sweeps, by final status.",
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promo_sweep_duration_seconds",
			Help:    "Wall time of notification sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RemindersSent,
			m.FeedbackRequests,
			m.DeliveryFailures,
			m.Reconciliations,
			m.Sweeps,
			m.SweepDuration,
		)
	}
	return m
}

func (m *Metrics) reminderSent(stage promo.Stage) {
	if m == nil {
		return
	}
	m.RemindersSent.WithLabelValues(stage.String()).Inc()
}

func (m *Metrics) feedbackSent() {
	if m == nil {
		return
	}
	m.FeedbackRequests.Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) reconciled(outcome promo.Outcome) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) sweepFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(took.Seconds())
}
