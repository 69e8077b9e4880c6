// Package depgraph provides a memoizing, demand-driven dependency graph
// engine for incremental computation. Clients model their work as nodes in
// a directed acyclic graph; each node, when evaluated, may dynamically
// request other nodes, which become its dependencies. The engine caches
// results, detects cycles at edge-insertion time, supports external
// invalidation of arbitrary node subsets, dirties transitive dependents,
// cleans dirty nodes that can prove their inputs are unchanged, retries
// in-flight evaluations whose inputs were invalidated under them, and
// answers long-poll queries that block until a node's observed generation
// changes.
//
// A [Graph] is created with [New], given a [RunFunc] that evaluates a node
// by calling back into the graph ([RunContext.Get]) to request
// dependencies. Callers drive the graph with [Graph.Get], [Graph.Poll], and
// [Graph.InvalidateFromRoots]; [Graph.Visualize] renders the reachable
// subgraph as DOT, and the neo4jviz subpackage offers a queryable
// alternative sink.
package depgraph
