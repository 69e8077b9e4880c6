// Package fixture provides a deterministic test Node implementation and a
// Recorder that configures the value and dependencies each node of a
// depgraph.Graph produces and counts how many times each node was run. It is the shared scaffolding behind
// graphtest's conformance suite and any package-level test that needs a
// cheap, hand-wired graph without standing up a real domain.
package fixture

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-depgraph/go-depgraph"
)

// Node is a named test node. Two Nodes with the same Name and the same
// cacheability compare equal, so they resolve to the same entry regardless
// of which Builder call produced them; a cacheable and a non-cacheable Node
// with the same Name are distinct nodes.
type Node struct {
	Name      string
	cacheable bool
}

// Cacheable implements depgraph.Node.
func (n Node) Cacheable() bool { return n.cacheable }

// String implements depgraph.Node.
func (n Node) String() string { return n.Name }

// Digest implements depgraph.Node, projecting a digest from the item via
// reflection; fixture values are plain ints and strings, so this is always
// stable.
func (n Node) Digest(item int) (depgraph.Digest, bool) {
	return depgraph.DigestOf(item), true
}

// Recorder holds, per node name, the value and dependency list that node's
// next run produces, and counts how many times each node ran, so tests can
// assert on run counts without instrumenting the RunFunc themselves.
type Recorder struct {
	mu sync.Mutex

	values map[string]int
	deps   map[string][]Node
	fail   map[string]error

	runs map[string]int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		values: make(map[string]int),
		deps:   make(map[string][]Node),
		fail:   make(map[string]error),
		runs:   make(map[string]int),
	}
}

// Runs reports how many times name's RunFunc body has executed.
func (r *Recorder) Runs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

// SetValue sets the value name's run produces once it is next (re-)run.
// Changing the value between runs is how tests exercise generation bumps.
func (r *Recorder) SetValue(name string, v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = v
}

// SetDeps sets the dependencies name's run requests, in order, once it is
// next (re-)run. Changing the dependency list between runs is how tests
// exercise re-wiring of outgoing edges after a clean-check miss.
func (r *Recorder) SetDeps(name string, deps ...Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[name] = append([]Node(nil), deps...)
}

// FailNext makes name's next run return err instead of a value. The
// failure is consumed: the run after it succeeds again unless FailNext is
// called once more.
func (r *Recorder) FailNext(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = err
}

// RunFunc returns a depgraph.RunFunc wired to this Recorder: each run
// fetches the node's configured dependencies via rc.Get, increments the
// run counter, and returns the node's configured value or failure.
func (r *Recorder) RunFunc() depgraph.RunFunc[Node, any, int] {
	return func(ctx context.Context, rc *depgraph.RunContext[Node, any, int], n Node) (int, error) {
		r.mu.Lock()
		deps := append([]Node(nil), r.deps[n.Name]...)
		value := r.values[n.Name]
		err := r.fail[n.Name]
		delete(r.fail, n.Name)
		r.runs[n.Name]++
		r.mu.Unlock()

		if err != nil {
			return 0, err
		}

		for _, dep := range deps {
			if _, _, err := rc.Get(dep); err != nil {
				return 0, err
			}
		}

		return value, nil
	}
}

// Builder assembles a fixed fixture.Node by name, carrying forward the
// copy-check guard the teacher's AssemblyBuilder uses: a Builder is only
// safe to use through the pointer that first touched it, never copied by
// value mid-use.
type Builder struct {
	addr *Builder

	name      string
	cacheable bool
}

// NewBuilder starts building a node named name. Nodes default to
// cacheable; call NotCacheable to override.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, cacheable: true}
}

// NotCacheable marks the node under construction as non-cacheable.
func (b *Builder) NotCacheable() *Builder {
	b.copyCheck()
	b.cacheable = false
	return b
}

// Build returns the finished Node.
func (b *Builder) Build() Node {
	b.copyCheck()
	return Node{Name: b.name, cacheable: b.cacheable}
}

func (b *Builder) copyCheck() {
	if b.addr == nil {
		// This hack works around a failing of Go's escape analysis that
		// was causing b to escape and be heap-allocated. See issue 23382
		// (github.com/golang/go). Once issue 7921 is fixed, this should
		// be reverted to just "b.addr = b".
		b.addr = (*Builder)(noescape(unsafe.Pointer(b)))
	} else if b.addr != b {
		panic(fmt.Sprintf("fixture: illegal use of non-zero Builder %q copied by value", b.name))
	}
}

// This was copied from the runtime; see issues 23382 and 7921 (github.com/golang/go).
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0) //nolint:govet,staticcheck,gosec // copied from the standard library
}
