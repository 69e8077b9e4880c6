/*
Package graphtest provides a suite of tests designed to assess
depgraph.Graph's conformance with its documented state machine: cache
reuse, invalidation and clean-checking, cycle rejection, and generation
accounting.

Call graphtest.Run in its own test to invoke the test-suite:

	func TestGraph(t *testing.T) {
		graphtest.Run(t)
	}

Unlike enginetest (which exercises several interchangeable graph engines
through a shared interface), there is exactly one depgraph.Graph
implementation, so each test-case builds its own Graph and fixture.Recorder
rather than sharing continuous state across a sequence. This keeps every
case independently diagnosable: a failure never depends on a previous
case having passed.
*/
package graphtest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// run receives a fresh Graph and Recorder and performs the case's
	// assertions directly, failing t on any mismatch.
	run func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder)
}

var cases = []testCase{
	{
		name:     "cache-hit-skips-rerun",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			rec.SetValue("A", 1)

			ctx := context.Background()
			first, gen1, err := g.Get(ctx, nil, a)
			if err != nil {
				t.Fatalf("first Get: %v", err)
			}
			second, gen2, err := g.Get(ctx, nil, a)
			if err != nil {
				t.Fatalf("second Get: %v", err)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("value mismatch between cached Gets (-first +second):\n%v", diff)
			}
			if gen1 != gen2 {
				t.Errorf("generation changed across a cache hit: %v -> %v", gen1, gen2)
			}
			if got := rec.Runs("A"); got != 1 {
				t.Errorf("Runs(A) = %d, want 1 (second Get should be a cache hit)", got)
			}
		},
	},
	{
		name:     "invalidate-then-clean-check-reuses-value",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			b := fixture.NewBuilder("B").Build()
			rec.SetValue("A", 1)
			rec.SetValue("B", 10)
			rec.SetDeps("A", b)

			ctx := context.Background()
			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A): %v", err)
			}

			res := g.InvalidateFromRoots(ctx, func(n fixture.Node) bool { return n.Name == "B" })
			if res.Cleared != 1 {
				t.Errorf("Cleared = %d, want 1", res.Cleared)
			}
			if res.Dirtied != 1 {
				t.Errorf("Dirtied = %d, want 1 (A depends on B)", res.Dirtied)
			}

			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A) after invalidation: %v", err)
			}
			if got := rec.Runs("A"); got != 1 {
				t.Errorf("Runs(A) = %d, want 1: B's value did not change, A's clean-check should reuse it", got)
			}
			if got := rec.Runs("B"); got != 2 {
				t.Errorf("Runs(B) = %d, want 2: B was cleared and must re-run", got)
			}
		},
	},
	{
		name:     "invalidate-then-clean-check-forces-rerun-on-change",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			b := fixture.NewBuilder("B").Build()
			rec.SetValue("A", 1)
			rec.SetValue("B", 10)
			rec.SetDeps("A", b)

			ctx := context.Background()
			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A): %v", err)
			}

			rec.SetValue("B", 11)
			g.InvalidateFromRoots(ctx, func(n fixture.Node) bool { return n.Name == "B" })

			item, _, err := g.Get(ctx, nil, a)
			if err != nil {
				t.Fatalf("Get(A) after B changed: %v", err)
			}
			if got := rec.Runs("A"); got != 2 {
				t.Errorf("Runs(A) = %d, want 2: B's generation changed, A must re-run", got)
			}
			_ = item
		},
	},
	{
		name:     "direct-cycle-rejected",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			b := fixture.NewBuilder("B").Build()
			rec.SetDeps("A", b)
			rec.SetDeps("B", a)

			ctx := context.Background()
			_, _, err := g.Get(ctx, nil, a)
			var cyclic *depgraph.CyclicError
			if !errors.As(err, &cyclic) {
				t.Fatalf("Get(A) error = %v, want a *depgraph.CyclicError", err)
			}
			want := []string{"A", "B", "A"}
			if diff := cmp.Diff(want, cyclic.Path); diff != "" {
				t.Errorf("cycle path mismatch (-want +got):\n%v", diff)
			}
		},
	},
	{
		name:     "self-edge-cycle-rejected",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			rec.SetDeps("A", a)

			ctx := context.Background()
			_, _, err := g.Get(ctx, nil, a)
			var cyclic *depgraph.CyclicError
			if !errors.As(err, &cyclic) {
				t.Fatalf("Get(A) error = %v, want a *depgraph.CyclicError", err)
			}
		},
	},
	{
		name:     "dirty-phantom-cycle-resolved-by-clearing",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			b := fixture.NewBuilder("B").Build()
			rec.SetValue("A", 1)
			rec.SetValue("B", 2)
			rec.SetDeps("A", b) // A -> B

			ctx := context.Background()
			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A): %v", err)
			}

			// Invalidating B (a root) clears B but only dirties A, its transitive
			// dependent: A keeps its stale A->B edge. Rewire A to no longer
			// depend on B, and make B depend on A instead. The phantom cycle
			// B->A->B only exists through A's now-stale edge; it must be
			// resolved by clearing A, not rejected as a real cycle.
			g.InvalidateFromRoots(ctx, func(n fixture.Node) bool { return n.Name == "B" })
			rec.SetDeps("A")
			rec.SetDeps("B", a)

			if _, _, err := g.Get(ctx, nil, b); err != nil {
				t.Fatalf("Get(B) should resolve the phantom cycle by clearing A's stale edge: %v", err)
			}
		},
	},
	{
		name:     "poll-returns-invalidated-on-clear-then-the-new-generation-on-retry",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			rec.SetValue("A", 1)

			ctx := context.Background()
			_, gen, err := g.Get(ctx, nil, a)
			if err != nil {
				t.Fatalf("Get(A): %v", err)
			}

			pollErr := make(chan error, 1)
			go func() {
				_, _, err := g.Poll(ctx, nil, a, &gen, 0)
				pollErr <- err
			}()

			// Give the Poll call a moment to register its waiter before A is
			// cleared out from under it.
			time.Sleep(20 * time.Millisecond)
			g.InvalidateFromRoots(ctx, func(n fixture.Node) bool { return n.Name == "A" })

			select {
			case err := <-pollErr:
				if !errors.Is(err, depgraph.ErrInvalidated) {
					t.Fatalf("Poll(A) after clear = %v, want ErrInvalidated", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("Poll did not wake up when A was cleared")
			}

			// A clear leaves the entry NotStarted: nothing re-runs it on its
			// own, so the caller re-primes it with a plain Get before polling
			// for the next change past the original generation.
			rec.SetValue("A", 2)
			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A) after clear: %v", err)
			}

			item, newGen, err := g.Poll(ctx, nil, a, &gen, 0)
			if err != nil {
				t.Fatalf("Poll(A) retry: %v", err)
			}
			if item != 2 {
				t.Errorf("Poll(A) retry item = %d, want 2", item)
			}
			if newGen <= gen {
				t.Errorf("Poll(A) retry generation = %v, want > %v", newGen, gen)
			}
		},
	},
	{
		name:     "draining-rejects-new-gets",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			rec.SetValue("A", 1)

			if err := g.MarkDraining(true); err != nil {
				t.Fatalf("MarkDraining(true): %v", err)
			}
			if err := g.MarkDraining(true); err == nil {
				t.Errorf("MarkDraining(true) twice should fail idempotently")
			}

			ctx := context.Background()
			_, _, err := g.Get(ctx, nil, a)
			if !errors.Is(err, depgraph.ErrInvalidated) {
				t.Errorf("Get during draining = %v, want ErrInvalidated", err)
			}
		},
	},
	{
		name:     "critical-path-on-empty-roots-is-zero",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			total, path := g.CriticalPath(nil, func(fixture.Node) time.Duration { return time.Second })
			if total != 0 {
				t.Errorf("CriticalPath total = %v, want 0", total)
			}
			if len(path) != 0 {
				t.Errorf("CriticalPath path = %v, want empty", path)
			}
		},
	},
	{
		name:     "critical-path-follows-longest-duration-chain",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			b := fixture.NewBuilder("B").Build()
			c := fixture.NewBuilder("C").Build()
			rec.SetValue("A", 1)
			rec.SetValue("B", 1)
			rec.SetValue("C", 1)
			rec.SetDeps("A", b)
			rec.SetDeps("B", c)

			ctx := context.Background()
			if _, _, err := g.Get(ctx, nil, a); err != nil {
				t.Fatalf("Get(A): %v", err)
			}

			durations := map[string]time.Duration{"A": time.Second, "B": 2 * time.Second, "C": 3 * time.Second}
			total, path := g.CriticalPath([]fixture.Node{a}, func(n fixture.Node) time.Duration {
				return durations[n.Name]
			})
			if total != 6*time.Second {
				t.Errorf("CriticalPath total = %v, want 6s", total)
			}
			want := []string{"A", "B", "C"}
			got := make([]string, len(path))
			for i, n := range path {
				got[i] = n.Name
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("CriticalPath path mismatch (-want +got):\n%v", diff)
			}
		},
	},
	{
		name:     "run-error-caches-like-a-value-until-invalidated",
		location: locateSource(),
		run: func(t *testing.T, g *depgraph.Graph[fixture.Node, any, int], rec *fixture.Recorder) {
			a := fixture.NewBuilder("A").Build()
			boom := fmt.Errorf("boom")
			rec.FailNext("A", boom)

			ctx := context.Background()
			if _, _, err := g.Get(ctx, nil, a); !errors.Is(err, boom) {
				t.Fatalf("Get(A) error = %v, want %v", err, boom)
			}

			// A second Get, with no invalidation in between, must reproduce the
			// cached error rather than re-running: runner errors cache on the
			// entry just like values.
			if _, _, err := g.Get(ctx, nil, a); !errors.Is(err, boom) {
				t.Fatalf("Get(A) second call = %v, want cached %v", err, boom)
			}
			if got := rec.Runs("A"); got != 1 {
				t.Errorf("Runs(A) = %d, want 1: cached error must not force a re-run", got)
			}

			rec.SetValue("A", 5)
			g.InvalidateFromRoots(ctx, func(n fixture.Node) bool { return n.Name == "A" })

			item, _, err := g.Get(ctx, nil, a)
			if err != nil {
				t.Fatalf("Get(A) after invalidation: %v", err)
			}
			if item != 5 {
				t.Errorf("Get(A) = %d, want 5", item)
			}
			if got := rec.Runs("A"); got != 2 {
				t.Errorf("Runs(A) = %d, want 2", got)
			}
		},
	},
}

// Run executes every case in the suite, each against its own fresh Graph
// and fixture.Recorder so a failure in one case never contaminates
// another. opts are passed through to depgraph.New for every case, letting
// callers exercise the suite with, for instance, a bounded
// WithMaxConcurrentRuns or an in-memory metric reader attached via
// WithMeterProvider.
func Run(t *testing.T, opts ...depgraph.Option[fixture.Node, any, int]) {
	t.Helper()

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Logf("see %v", c.location)
			rec := fixture.NewRecorder()
			g := depgraph.New[fixture.Node, any, int](rec.RunFunc(), opts...)
			c.run(t, g, rec)
		})
	}
}

func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
