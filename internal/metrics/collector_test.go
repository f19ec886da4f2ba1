package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewMetricsCollector()
	ctr := c.Counter("test_total", "test counter")

	ctr.Inc()
	ctr.Add(4)
	if got := ctr.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}

	// Same name returns the same counter.
	if c.Counter("test_total", "") != ctr {
		t.Error("Counter must return the registered instance")
	}
}

func TestGauge(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("test_gauge", "test gauge")

	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if got := g.Value(); got != 9 {
		t.Errorf("Value() = %d, want 9", got)
	}

	if c.Gauge("test_gauge", "") != g {
		t.Error("Gauge must return the registered instance")
	}
}

func TestHandlerOutput(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("requests_total", "Total requests").Add(7)
	c.Gauge("connected", "Connection state").Set(1)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE requests_total counter",
		"requests_total 7",
		"# TYPE connected gauge",
		"connected 1",
		"lrmgateway_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

func TestPredefinedMetrics(t *testing.T) {
	before := MessagesSent.Value()
	MessagesSent.Inc()
	if MessagesSent.Value() != before+1 {
		t.Error("predefined counter did not increment")
	}

	GatewayConnected.Set(1)
	if GatewayConnected.Value() != 1 {
		t.Error("predefined gauge did not set")
	}
}
