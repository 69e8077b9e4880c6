package depgraph_test

import (
	"context"
	"strings"
	"testing"

	"github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
)

type fixedVisualizer struct{}

func (fixedVisualizer) ColorScheme() string { return "fixed" }
func (fixedVisualizer) Color(fixture.Node) string { return "blue" }

func TestVisualizeWritesNodesAndEdges(t *testing.T) {
	g, a, b, _ := buildChainGraph(t)

	var sb strings.Builder
	if err := g.Visualize(&sb, []fixture.Node{a}, fixedVisualizer{}); err != nil {
		t.Fatalf("Visualize() error = %v", err)
	}

	out := sb.String()
	if !strings.Contains(out, "digraph depgraph") {
		t.Errorf("Visualize output missing digraph header:\n%s", out)
	}
	if !strings.Contains(out, `"a" [style=filled, fillcolor="blue"]`) {
		t.Errorf("Visualize output missing node a:\n%s", out)
	}
	if !strings.Contains(out, `"a" -> "b"`) {
		t.Errorf("Visualize output missing edge a->b:\n%s", out)
	}
	_ = b
}

func TestStateVisualizerColorsByLifecycle(t *testing.T) {
	g, a, _, _ := buildChainGraph(t)
	viz := depgraph.NewStateVisualizer(g)

	notRequested := fixture.NewBuilder("never-requested").Build()
	if got := viz.Color(notRequested); got != "gray" {
		t.Errorf("Color(never requested) = %q, want gray", got)
	}
	if got := viz.Color(a); got != "green" {
		t.Errorf("Color(clean completed a) = %q, want green", got)
	}

	g.InvalidateFromRoots(context.Background(), func(n fixture.Node) bool { return n == a })
	// a was invalidated directly (a root match), so it is cleared to
	// NotStarted, not dirtied; Color reports gray again until it is re-Get.
	if got := viz.Color(a); got != "gray" {
		t.Errorf("Color(cleared a) = %q, want gray", got)
	}
}
