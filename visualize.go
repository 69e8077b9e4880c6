package depgraph

import (
	"fmt"
	"io"

	"github.com/go-depgraph/go-depgraph/entry"
)

// Visualizer supplies the presentation details a rendered graph needs: a
// color-scheme name and a per-node color. The engine does the rest of the
// rendering (spec.md §6).
type Visualizer[N any] interface {
	ColorScheme() string
	Color(n N) string
}

// Edge is an ordered dependency pair: From depends on To.
type Edge[N any] struct {
	From N
	To   N
}

// Reachable returns every node reachable from roots (via outgoing
// dependency edges), in BFS order, along with every dependency edge among
// them. It is the shared traversal behind Visualize and the neo4jviz sink.
func (g *Graph[N, C, I]) Reachable(roots []N) ([]N, []Edge[N]) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]entryID, 0, len(roots))
	for _, n := range roots {
		if id, ok := g.inner.nodes[n]; ok {
			ids = append(ids, id)
		}
	}

	visited := make(map[entryID]bool, len(ids))
	var order []entryID
	queue := append([]entryID(nil), ids...)
	for _, id := range ids {
		visited[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range g.inner.out[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	nodes := make([]N, len(order))
	for i, id := range order {
		nodes[i] = g.inner.nodeFor(id)
	}

	var edges []Edge[N]
	for _, id := range order {
		src := g.inner.nodeFor(id)
		for _, dst := range g.inner.out[id] {
			edges = append(edges, Edge[N]{From: src, To: g.inner.nodeFor(dst)})
		}
	}

	return nodes, edges
}

// Visualize writes a DOT-format rendering of the subgraph reachable from
// roots to w: a digraph header, one node line per reachable entry colored
// by viz, and one edge line per dependency — a single pass over
// Reachable's walk.
func (g *Graph[N, C, I]) Visualize(w io.Writer, roots []N, viz Visualizer[N]) error {
	nodes, edges := g.Reachable(roots)

	if _, err := fmt.Fprintf(w, "digraph depgraph {\n  // color scheme: %s\n", viz.ColorScheme()); err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := fmt.Fprintf(w, "  %q [style=filled, fillcolor=%q];\n", n.String(), viz.Color(n)); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, err := fmt.Fprintf(w, "  %q -> %q;\n", e.From.String(), e.To.String()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// StateVisualizer is a ready-made Visualizer that colors nodes by their
// current lifecycle state: gray for NotStarted, yellow for Running, green
// for a clean Completed entry, and orange for a dirty one. Node state is
// looked up against g at the moment Color is called, so it is only
// meaningful to use a given StateVisualizer with the Graph it was built
// from.
type StateVisualizer[N Node[I], C any, I any] struct {
	g *Graph[N, C, I]
}

// NewStateVisualizer returns a StateVisualizer reading node state from g.
func NewStateVisualizer[N Node[I], C any, I any](g *Graph[N, C, I]) *StateVisualizer[N, C, I] {
	return &StateVisualizer[N, C, I]{g: g}
}

// ColorScheme implements Visualizer.
func (*StateVisualizer[N, C, I]) ColorScheme() string { return "depgraph-state" }

// Color implements Visualizer.
func (v *StateVisualizer[N, C, I]) Color(n N) string {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()

	id, ok := v.g.inner.nodes[n]
	if !ok {
		return "gray"
	}
	e := v.g.inner.entryFor(id)
	switch e.Kind() {
	case entry.NotStarted:
		return "gray"
	case entry.Running:
		return "yellow"
	default:
		if e.Dirty() {
			return "orange"
		}
		return "green"
	}
}
