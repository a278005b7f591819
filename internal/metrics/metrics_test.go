package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.InboundFrame("typing", "ok")
	m.Applied("receive-message", "appended")
	m.BusDropped("rt.")
	m.OutboundFrame("send-message", "queued")
	m.StaleResponse()
	m.Reconnected()
	m.Upload("ok", 10)
	m.SendUnconfirmed()
	m.ObserveRequest("GET", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Applied("receive-message", "appended")
	m.Applied("receive-message", "appended")
	m.Applied("receive-message", "duplicate")
	m.StaleResponse()
	m.Upload("ok", 2048)

	if got := testutil.ToFloat64(m.applied.WithLabelValues("receive-message", "appended")); got != 2 {
		t.Errorf("appended = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stale); got != 1 {
		t.Errorf("stale = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.uploadBytes); got != 2048 {
		t.Errorf("upload bytes = %v, want 2048", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.SendUnconfirmed()
	m.ObserveRequest("POST", 201, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"conversa_sends_unconfirmed_total 1",
		`conversa_rest_request_seconds_count{code="2xx",method="POST"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
