package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "dental"
	subsystem = "funnel"
)

// FunnelMetrics exposes counters and histograms for the evaluation funnel.
// All methods are safe on a nil receiver.
type FunnelMetrics struct {
	stageTransitions *prometheus.CounterVec
	wizardActions    *prometheus.CounterVec
	screeningTotal   *prometheus.CounterVec
	screeningLatency *prometheus.HistogramVec
	checkoutTotal    *prometheus.CounterVec
	webhookTotal     *prometheus.CounterVec
	adapterTotal     *prometheus.CounterVec
	adapterLatency   *prometheus.HistogramVec
	messagesTotal    *prometheus.CounterVec
}

func NewFunnelMetrics(reg prometheus.Registerer) *FunnelMetrics {
	m := &FunnelMetrics{
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_transitions_total",
			Help:      "Evaluation stage transitions",
		}, []string{"from", "to"}),
		wizardActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wizard_actions_total",
			Help:      "Wizard actions by outcome",
		}, []string{"action", "outcome"}),
		screeningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "screening_total",
			Help:      "Screening results by source (ai or fallback)",
		}, []string{"source"}),
		screeningLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "screening_latency_seconds",
			Help:      "Time to produce a screening result",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}, []string{"source"}),
		checkoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkout_total",
			Help:      "Checkout session requests by outcome",
		}, []string{"provider", "outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payment_webhook_total",
			Help:      "Payment notifications by outcome",
		}, []string{"provider", "outcome"}),
		adapterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "adapter_requests_total",
			Help:      "External adapter calls by outcome",
		}, []string{"adapter", "operation", "outcome"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "adapter_latency_seconds",
			Help:      "Latency of external adapter calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter", "operation"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Outbound patient messages by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.stageTransitions, m.wizardActions,
		m.screeningTotal, m.screeningLatency,
		m.checkoutTotal, m.webhookTotal,
		m.adapterTotal, m.adapterLatency,
		m.messagesTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *FunnelMetrics) ObserveStageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *FunnelMetrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.wizardActions.WithLabelValues(action, outcome).Inc()
}

func (m *FunnelMetrics) ObserveScreening(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.screeningTotal.WithLabelValues(source).Inc()
	m.screeningLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (m *FunnelMetrics) ObserveCheckout(provider, outcome string) {
	if m == nil {
		return
	}
	m.checkoutTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *FunnelMetrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *FunnelMetrics) ObserveAdapter(adapter, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterTotal.WithLabelValues(adapter, operation, outcome).Inc()
	m.adapterLatency.WithLabelValues(adapter, operation).Observe(d.Seconds())
}

func (m *FunnelMetrics) ObserveMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind, outcome).Inc()
}
