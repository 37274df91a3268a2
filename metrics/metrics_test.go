package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fg-inet/dt-simulator-go/metrics"
)

// TestMetricsAreRegisteredAndExported checks that every metric defined in
// the package is registered against the default registry and shows up on a
// scrape, the way m-lab/tcp-info's own metrics tests verify counters against
// a live /metrics handler.
func TestMetricsAreRegisteredAndExported(t *testing.T) {
	metrics.FinishTimeHistogram.Observe(1.5)
	metrics.PredictionRunHistogram.Observe(0.01)
	metrics.TickSizeHistogram.Observe(0.001)
	metrics.ConnectionCountPerInterface.WithLabelValues("if1").Observe(3)
	metrics.InvariantViolationCount.WithLabelValues("test").Inc()
	metrics.DriftClampCount.WithLabelValues("test").Inc()
	metrics.EmptyCandidateSetCount.Inc()
	metrics.RunCount.WithLabelValues("test-policy").Inc()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics body: %v", err)
	}
	body := string(raw)

	for _, name := range []string{
		"dtsim_finish_time_seconds",
		"dtsim_prediction_run_seconds",
		"dtsim_tick_size_seconds",
		"dtsim_interface_connection_count",
		"dtsim_invariant_violation_total",
		"dtsim_drift_clamp_total",
		"dtsim_empty_candidate_set_total",
		"dtsim_run_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output missing metric %q", name)
		}
	}
}
