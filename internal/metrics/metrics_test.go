package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New("test")
	m.ObserveTick("ok", 150*time.Millisecond, 3, time.Unix(1767312000, 0))
	m.ObserveTick("configuration", time.Millisecond, 0, time.Now())
	m.Dispatch(OutcomeCreated)
	m.Dispatch(OutcomeDuplicate)
	m.DispatchN(OutcomeAbandoned, 4)
	m.Completed("water-change")

	if got := testutil.ToFloat64(m.ScanTicks.WithLabelValues("configuration")); got != 1 {
		t.Fatalf("configuration ticks=%v", got)
	}
	if got := testutil.ToFloat64(m.ScanDue); got != 3 {
		t.Fatalf("due gauge=%v (failed tick must not reset it)", got)
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues(OutcomeAbandoned)); got != 4 {
		t.Fatalf("abandoned=%v", got)
	}
	if got := testutil.ToFloat64(m.LastScanUnixTime); got != 1767312000 {
		t.Fatalf("last scan=%v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `test_lifecycle_completions_total{task_type="water-change"} 1`) {
		t.Fatalf("exposition missing completion counter:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTick("ok", time.Second, 1, time.Now())
	m.Dispatch(OutcomeFailed)
	m.Completed("x")
	m.Purged(2)
	if m.Registry() != nil {
		t.Fatalf("nil registry expected")
	}
}
