package depgraph

import "context"

// Node is the contract a caller's node-key type must satisfy. N is used as
// the key of the graph's node->entry map, so it must be comparable; cheap
// copies are assumed (a Node value is passed by value throughout the
// façade). I is the type of value a node's run produces.
//
// Two values of N that compare equal MUST represent the same logical node
// and therefore map to the same entry (spec.md §3).
type Node[I any] interface {
	comparable

	// Cacheable reports whether the engine may retry Gets on this node's
	// behalf and preserve its result across clean-checks. A non-cacheable
	// node always looks dirty to its dependents.
	Cacheable() bool

	// String returns a short display string, used in diagnostics and in
	// cyclic-error paths and visualizer output.
	String() string

	// Digest projects a content digest from a completed item, for the
	// digest-enumeration interface (Graph.AllDigests,
	// Graph.ReachableDigestCount). ok is false if this node type has no
	// stable digest to offer.
	Digest(item I) (Digest, bool)
}

// RunFunc is user-supplied node-evaluation logic: the engine invokes it
// once per run of a node, synchronously, on the goroutine of the call that
// started the run. The runner requests
// dependencies by calling rc.Get zero or more times, then returns its
// result; the façade observes the return and calls the entry's Complete
// itself, using the dependency generations rc.Get recorded along the way.
//
// There is no separate explicit completion call in the Go port: unlike the
// Rust original, where a runner signals completion out-of-band because its
// task may outlive the call that spawned it, a Go RunFunc's return value
// IS its completion, which the façade is already synchronously waiting on.
type RunFunc[N Node[I], C any, I any] func(ctx context.Context, rc *RunContext[N, C, I], n N) (I, error)
