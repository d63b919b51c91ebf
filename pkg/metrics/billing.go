package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics counts inbound provider notifications by outcome.
type WebhookMetrics struct {
	events *prometheus.CounterVec
}

// NewWebhookMetrics registers billing_webhook_events_total on the provided registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Provider webhook deliveries by provider and result.",
	}, []string{"provider", "result"})
	reg.MustRegister(events)
	return &WebhookMetrics{events: events}
}

// Inc records one webhook delivery.
func (w *WebhookMetrics) Inc(provider, result string) {
	if w == nil || w.events == nil {
		return
	}
	w.events.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

// GatewayMetrics tracks outbound payment gateway calls.
type GatewayMetrics struct {
	duration *prometheus.HistogramVec
}

// NewGatewayMetrics registers billing_gateway_call_duration_seconds on the provided registerer.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		return &GatewayMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_gateway_call_duration_seconds",
		Help:    "Duration of payment gateway calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "outcome"})
	reg.MustRegister(duration)
	return &GatewayMetrics{duration: duration}
}

// Observe records a gateway call.
func (g *GatewayMetrics) Observe(provider, operation, outcome string, duration time.Duration) {
	if g == nil || g.duration == nil {
		return
	}
	g.duration.WithLabelValues(normalizeLabel(provider), normalizeLabel(operation), normalizeLabel(outcome)).Observe(duration.Seconds())
}
