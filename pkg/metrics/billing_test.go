package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWebhookMetricsCountsByProviderAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)
	m.Inc("STRIPE", "applied")
	m.Inc("STRIPE", "applied")
	m.Inc("PAYTR", "")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "billing_webhook_events_total", "provider", "STRIPE"); err != nil {
		t.Fatalf("fetch stripe: %v", err)
	} else if got != 2 {
		t.Fatalf("expected 2 stripe deliveries, got %f", got)
	}
	if _, err := fetchCounterValue(mfs, "billing_webhook_events_total", "result", "unknown"); err != nil {
		t.Fatalf("empty result should be normalized: %v", err)
	}
}

func TestGatewayMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	m.Observe("SQUARE", "confirm_charge", "ok", 120*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchHistogramSum(mfs, "billing_gateway_call_duration_seconds", "operation", "confirm_charge"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected positive duration sum, got %f", got)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	NewWebhookMetrics(nil).Inc("STRIPE", "applied")
	NewGatewayMetrics(nil).Observe("STRIPE", "create_charge", "ok", time.Second)
	var nilMetrics *WebhookMetrics
	nilMetrics.Inc("x", "y")
}

func TestHTTPMetricsObserveByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	m.Observe("GET", "/api/v1/invoices/{id}/pdf", 200, 20*time.Millisecond)
	m.Observe("GET", "", 404, time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got, err := fetchHistogramSum(mfs, "billing_http_request_duration_seconds", "route", "/api/v1/invoices/{id}/pdf"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected positive duration sum, got %f", got)
	}
	if _, err := fetchHistogramSum(mfs, "billing_http_request_duration_seconds", "route", "unmatched"); err != nil {
		t.Fatalf("expected unmatched route series: %v", err)
	}
	NewHTTPMetrics(nil).Observe("GET", "/", 200, time.Second)
}
