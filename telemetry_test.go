package depgraph_test

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
	"github.com/go-depgraph/go-depgraph/graphtest"
)

// TestGraphEmitsDocumentedCounters runs the shared conformance suite with
// an in-memory metric reader attached, then asserts the documented
// instruments actually recorded something: a regression here means a code
// path stopped reporting telemetry, not just that its behavior changed.
func TestGraphEmitsDocumentedCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	graphtest.Run(t, depgraph.WithMeterProvider[fixture.Node, any, int](provider))

	var got metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &got); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	names := make(map[string]bool)
	for _, sm := range got.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}

	for _, want := range []string{
		"depgraph.get.outcomes",
		"depgraph.invalidations",
		"depgraph.cycles.detected",
		"depgraph.run.duration",
	} {
		if !names[want] {
			t.Errorf("metric %q was never recorded across the conformance suite", want)
		}
	}
}
