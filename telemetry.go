package depgraph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	attrNode      = "depgraph.node"
	attrCacheable = "depgraph.cacheable"
	attrOutcome   = "depgraph.outcome"
)

// instruments holds the metric handles a Graph records to. Each Graph
// builds its own set from its configured metric.MeterProvider (default
// otel.GetMeterProvider()), the same package-level-meter-but-per-call
// pattern telemetry.go uses, generalized to support per-Graph providers.
type instruments struct {
	runDuration      metric.Float64Histogram
	pollWaitDuration metric.Float64Histogram
	getOutcomes      metric.Int64Counter
	cycleDetections  metric.Int64Counter
	invalidations    metric.Int64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	runDuration, err := meter.Float64Histogram(
		"depgraph.run.duration",
		metric.WithDescription("Duration of a single node run, from invocation to the runner returning."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("depgraph: failed to init 'depgraph.run.duration' instrument")
	}

	pollWaitDuration, err := meter.Float64Histogram(
		"depgraph.poll.wait_duration",
		metric.WithDescription("Time a Poll call spent waiting for a generation-gated wakeup."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("depgraph: failed to init 'depgraph.poll.wait_duration' instrument")
	}

	getOutcomes, err := meter.Int64Counter(
		"depgraph.get.outcomes",
		metric.WithDescription("Count of Get outcomes, labeled by depgraph.outcome: cache_hit, clean_check, re_run. Gets that fail as cyclic or exhausted are not counted here."),
	)
	if err != nil {
		panic("depgraph: failed to init 'depgraph.get.outcomes' instrument")
	}

	cycleDetections, err := meter.Int64Counter(
		"depgraph.cycles.detected",
		metric.WithDescription("Count of edge insertions that detected a cycle, whether or not it was resolved as a dirty-node phantom."),
	)
	if err != nil {
		panic("depgraph: failed to init 'depgraph.cycles.detected' instrument")
	}

	invalidations, err := meter.Int64Counter(
		"depgraph.invalidations",
		metric.WithDescription("Count of entries cleared or dirtied by InvalidateFromRoots, labeled by depgraph.outcome: cleared, dirtied."),
	)
	if err != nil {
		panic("depgraph: failed to init 'depgraph.invalidations' instrument")
	}

	return &instruments{
		runDuration:      runDuration,
		pollWaitDuration: pollWaitDuration,
		getOutcomes:      getOutcomes,
		cycleDetections:  cycleDetections,
		invalidations:    invalidations,
	}
}

func (in *instruments) recordOutcome(ctx context.Context, outcome string) {
	in.getOutcomes.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(attrOutcome, outcome))))
}

func (in *instruments) recordRun(ctx context.Context, node string, d time.Duration) {
	in.runDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attribute.NewSet(attribute.String(attrNode, node))))
}

func (in *instruments) recordPollWait(ctx context.Context, d time.Duration) {
	in.pollWaitDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

func (in *instruments) recordCycleDetection(ctx context.Context) {
	in.cycleDetections.Add(ctx, 1)
}

func (in *instruments) recordInvalidation(ctx context.Context, cleared, dirtied int) {
	if cleared > 0 {
		in.invalidations.Add(ctx, int64(cleared), metric.WithAttributeSet(attribute.NewSet(attribute.String(attrOutcome, "cleared"))))
	}
	if dirtied > 0 {
		in.invalidations.Add(ctx, int64(dirtied), metric.WithAttributeSet(attribute.NewSet(attribute.String(attrOutcome, "dirtied"))))
	}
}

// startSpan opens a span for a node run (depgraph.get) or a Poll call
// (depgraph.poll), attributing the node's
// display string and cacheable flag, mirroring disassembler.go's per-call
// span pattern.
func startSpan(ctx context.Context, tracer trace.Tracer, name, node string, cacheable bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(attrNode, node),
		attribute.Bool(attrCacheable, cacheable),
	))
}
