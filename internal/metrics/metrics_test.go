package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New("fulfillment")
	m.Dispatch("AUTO_CODES", "approved")
	m.Dispatch("AUTO_CODES", "approved")
	m.LoopBreak()

	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("AUTO_CODES", "approved")); got != 2 {
		t.Fatalf("dispatch counter = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fulfillment_loop_break_total 1") {
		t.Fatalf("loop break counter missing from exposition:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Dispatch("MANUAL", "skipped")
	m.Poll("ok")
	m.Finalize("approved")
	m.SetQueueDepth(3)
}
