package depgraph

import (
	"time"

	"github.com/go-depgraph/go-depgraph/entry"
)

// entryID is the stable, opaque handle assigned to a node on first
// insertion. EntryIDs are never reused and never invalidated: entries are
// never deleted, only cleared (spec.md §3).
type entryID uint64

// direction selects which adjacency list a walk or cycle search follows.
type direction int

const (
	// outgoing follows dependency edges: from a node to the things it depends on.
	outgoing direction = iota
	// incoming follows dependent edges: from a node to the things that depend on it.
	incoming
)

// innerGraph is the node-index bimap, directed adjacency-list graph, and
// entry arena for a single Graph. It holds no lock of its own; the Graph
// façade serializes all access to it with a single mutex (spec.md §5).
//
// No third-party graph library is wired here: none of the retrieved
// example repositories import one (see DESIGN.md), so the adjacency list
// below is a hand-rolled, stdlib-only implementation of exactly the
// InnerGraph operations spec.md §4.2 names.
type innerGraph[N Node[I], I any] struct {
	nodes map[N]entryID
	keys  map[entryID]N

	entries map[entryID]*entry.Entry[I]

	// out[id] holds, in request order and with duplicates tolerated, the
	// entries id depends on. in[id] is its mirror: the entries that
	// depend on id.
	out map[entryID][]entryID
	in  map[entryID][]entryID

	nextID entryID

	draining bool
}

func newInnerGraph[N Node[I], I any]() *innerGraph[N, I] {
	return &innerGraph[N, I]{
		nodes:   make(map[N]entryID),
		keys:    make(map[entryID]N),
		entries: make(map[entryID]*entry.Entry[I]),
		out:     make(map[entryID][]entryID),
		in:      make(map[entryID][]entryID),
	}
}

// ensureEntry returns n's entry id, creating a fresh NotStarted entry the
// first time n is seen. Idempotent.
func (g *innerGraph[N, I]) ensureEntry(n N) entryID {
	if id, ok := g.nodes[n]; ok {
		return id
	}
	g.nextID++
	id := g.nextID
	g.nodes[n] = id
	g.keys[id] = n
	g.entries[id] = entry.New[I]()
	return id
}

func (g *innerGraph[N, I]) entryFor(id entryID) *entry.Entry[I] {
	return g.entries[id]
}

func (g *innerGraph[N, I]) nodeFor(id entryID) N {
	return g.keys[id]
}

func (g *innerGraph[N, I]) len() int {
	return len(g.entries)
}

// addEdge unconditionally adds a src->dst dependency edge, weight 1.0
// (spec.md §4.2). Duplicate parallel edges are tolerated, not collapsed:
// see DESIGN.md's Open Question 1 resolution. Cycle checking happens
// before this is called; addEdge never refuses an edge.
func (g *innerGraph[N, I]) addEdge(src, dst entryID) {
	g.out[src] = append(g.out[src], dst)
	g.in[dst] = append(g.in[dst], src)
}

// removeOutgoingEdges drops every edge whose source is id, and removes id
// from the incoming list of each former dependency. Used both when
// invalidating roots (their outgoing deps are no longer valid) and when
// starting a fresh run on a dirty-turned-re-run entry.
func (g *innerGraph[N, I]) removeOutgoingEdges(id entryID) {
	for _, dst := range g.out[id] {
		g.in[dst] = removeOne(g.in[dst], id)
	}
	delete(g.out, id)
}

func removeOne(ids []entryID, target entryID) []entryID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// detectCycle reports whether dst can already reach src via existing
// edges — the condition under which adding a src->dst edge would close a
// cycle. It searches from whichever side has the smaller initial frontier,
// preferring the src-backward search on ties, exactly matching the
// original engine's detectCycle tie-break (out_from_dst < in_to_src).
func (g *innerGraph[N, I]) detectCycle(src, dst entryID) bool {
	if src == dst {
		return true
	}
	outFromDst := len(g.out[dst])
	inToSrc := len(g.in[src])
	if outFromDst < inToSrc {
		return g.reaches(dst, src, outgoing)
	}
	return g.reaches(src, dst, incoming)
}

// reaches reports whether target is reachable from start by following
// adjacency lists in the given direction.
func (g *innerGraph[N, I]) reaches(start, target entryID, dir direction) bool {
	if start == target {
		return true
	}
	visited := map[entryID]bool{start: true}
	queue := []entryID{start}
	adj := g.out
	if dir == incoming {
		adj = g.in
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// reportCycle returns the cycle that would result from adding a src->dst
// edge, as a path of entry ids starting and ending at dst, or nil if no
// cycle would result. A self-edge (src == dst) reports [n, n] without
// searching.
func (g *innerGraph[N, I]) reportCycle(src, dst entryID) []entryID {
	if src == dst {
		return []entryID{src, dst}
	}
	if !g.detectCycle(src, dst) {
		return nil
	}
	path := g.shortestPath(dst, src)
	if path == nil {
		// detectCycle and shortestPath must agree; defensive fallback.
		return []entryID{src, dst, src}
	}
	return append(path, dst)
}

// shortestPath returns the shortest from->to path over outgoing edges
// (uniform weight), or nil if to is unreachable from from.
func (g *innerGraph[N, I]) shortestPath(from, to entryID) []entryID {
	if from == to {
		return []entryID{from}
	}
	pred := map[entryID]entryID{}
	visited := map[entryID]bool{from: true}
	queue := []entryID{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.out[id] {
			if visited[next] {
				continue
			}
			visited[next] = true
			pred[next] = id
			if next == to {
				return reconstructPath(pred, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func reconstructPath(pred map[entryID]entryID, from, to entryID) []entryID {
	var rev []entryID
	for cur := to; ; {
		rev = append(rev, cur)
		if cur == from {
			break
		}
		cur = pred[cur]
	}
	path := make([]entryID, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}

// invalidationResult reports how many entries were cleared (roots matching
// the predicate) versus dirtied (their transitive dependents).
type invalidationResult struct {
	Cleared int
	Dirtied int
}

// invalidateFromRoots clears every started entry whose node matches
// predicate, removes their now-stale outgoing edges, and marks every
// transitive dependent dirty (spec.md §4.2).
func (g *innerGraph[N, I]) invalidateFromRoots(predicate func(N) bool) invalidationResult {
	var roots []entryID
	for id, n := range g.keys {
		e := g.entries[id]
		if e.Kind() != entry.NotStarted && predicate(n) {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		return invalidationResult{}
	}

	visited := make(map[entryID]bool, len(roots))
	for _, id := range roots {
		visited[id] = true
	}
	var transitive []entryID
	queue := append([]entryID(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, up := range g.in[id] {
			if !visited[up] {
				visited[up] = true
				transitive = append(transitive, up)
				queue = append(queue, up)
			}
		}
	}

	for _, id := range roots {
		g.entries[id].Clear(ErrInvalidated)
		g.removeOutgoingEdges(id)
	}
	for _, id := range transitive {
		g.entries[id].MarkDirty()
	}

	return invalidationResult{Cleared: len(roots), Dirtied: len(transitive)}
}

// criticalPath computes the longest-duration path reachable from roots,
// where durationFn reports the cost attributed to reaching a given entry.
// It negates durations into edge weights and relaxes a synthetic
// super-source connected to every root with weight 0 — the same
// super-source + negated-weight trick as the original engine — returning
// the most-negative (i.e. longest) path found. Returns (0, nil) if roots
// is empty.
func (g *innerGraph[N, I]) criticalPath(roots []entryID, durationFn func(entryID) time.Duration) (time.Duration, []entryID) {
	if len(roots) == 0 {
		return 0, nil
	}

	reachable := map[entryID]bool{}
	queue := append([]entryID(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	order := append([]entryID(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.out[id] {
			if !reachable[next] {
				reachable[next] = true
				order = append(order, next)
				queue = append(queue, next)
			}
		}
	}

	const unset = time.Duration(1<<63 - 1)
	dist := make(map[entryID]time.Duration, len(order))
	pred := make(map[entryID]entryID, len(order))
	for _, id := range order {
		dist[id] = unset
	}
	for _, r := range roots {
		d := -durationFn(r)
		if d < dist[r] {
			dist[r] = d
		}
	}

	for range order {
		changed := false
		for _, u := range order {
			if dist[u] == unset {
				continue
			}
			for _, v := range g.out[u] {
				if !reachable[v] {
					continue
				}
				cand := dist[u] - durationFn(v)
				if cand < dist[v] {
					dist[v] = cand
					pred[v] = u
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	var best entryID
	bestSet := false
	for _, id := range order {
		if dist[id] == unset {
			continue
		}
		if !bestSet || dist[id] < dist[best] {
			best = id
			bestSet = true
		}
	}
	if !bestSet {
		return 0, nil
	}

	var path []entryID
	for cur, ok := best, true; ok; {
		path = append(path, cur)
		var p entryID
		p, ok = pred[cur]
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return -dist[best], path
}
