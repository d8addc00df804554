package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a := New()
	b := New()
	a.SkippedTicks.Inc()
	a.Transitions.WithLabelValues("publish").Inc()

	if got := testutil.ToFloat64(a.SkippedTicks); got != 1 {
		t.Fatalf("SkippedTicks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.SkippedTicks); got != 0 {
		t.Fatalf("second instance SkippedTicks = %v, want 0", got)
	}
	if got := testutil.ToFloat64(a.Transitions.WithLabelValues("publish")); got != 1 {
		t.Fatalf("Transitions{publish} = %v, want 1", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Seals.WithLabelValues("sealed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `roundtable_journal_seals_total{outcome="sealed"} 1`) {
		t.Fatalf("metrics output missing seal counter:\n%s", body)
	}
}
