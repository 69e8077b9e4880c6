// Package entry implements the per-node lifecycle state machine for a
// go-depgraph Graph: NotStarted, Running, and Completed entries, their
// generation and run-token accounting, and the waiter lists that back
// Graph.Get and Graph.Poll.
//
// Entries hold no lock of their own. Every method here assumes the caller
// already holds whatever lock protects the owning graph's entries; the
// single coarse lock lives one level up, in the depgraph package, so that
// an Entry can be mutated and a read-only Snapshot cloned out from under
// it before the lock is released.
package entry

// Generation is a monotonic per-entry counter, incremented only when a
// completed run's result is observed to differ from the previous one. A
// waiter registered at generation g fires the first time the entry reaches
// generation > g.
type Generation uint64

// RunToken is a monotonic per-entry counter, incremented on every
// transition that starts a new run (fresh start, retry, re-run after
// dirty). A Complete call carrying a stale RunToken is discarded: a
// fresher run has already superseded it.
type RunToken uint64

// Kind distinguishes the three entry states.
type Kind int

const (
	// NotStarted entries have never been requested, or were cleared.
	NotStarted Kind = iota
	// Running entries have a run in flight.
	Running
	// Completed entries hold a final (possibly dirty) value.
	Completed
)

func (k Kind) String() string {
	switch k {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Completion is delivered to a waiter when a run finishes, or when the
// entry is cleared or invalidated out from under a waiter.
type Completion[I any] struct {
	Item       I
	Generation Generation
	Err        error
}

// Snapshot is a read-only, cheaply-copyable view of an Entry, detached from
// the arena. Callers await a value by reading a Snapshot's Wait channel
// outside the owning graph's lock.
type Snapshot[I any] struct {
	Kind               Kind
	RunToken           RunToken
	Generation         Generation
	Result             I
	HasUncacheableDeps bool
	Dirty              bool
	// Wait is non-nil only when Kind == Running: it fires exactly once,
	// when the in-flight run (identified by RunToken) completes or is
	// superseded.
	Wait <-chan Completion[I]
}

// Entry is the engine-owned record for a single node: its lifecycle state,
// cached result, dependency generations recorded at the run that produced
// it, and the waiter lists that need to be woken when the state changes.
type Entry[I any] struct {
	kind       Kind
	runToken   RunToken
	generation Generation

	result             I
	hasResult          bool
	lastErr            error
	depGenerations     []DepRecord
	hasUncacheableDeps bool
	dirty              bool

	runWaiters  []chan Completion[I]
	pollWaiters []pollWaiter[I]
}

type pollWaiter[I any] struct {
	observed Generation
	ch       chan Completion[I]
}

// New returns a fresh NotStarted entry.
func New[I any]() *Entry[I] {
	return &Entry[I]{kind: NotStarted}
}

// Kind reports the entry's current state.
func (e *Entry[I]) Kind() Kind { return e.kind }

// RunToken reports the entry's current run token.
func (e *Entry[I]) RunToken() RunToken { return e.runToken }

// Generation reports the entry's current generation.
func (e *Entry[I]) Generation() Generation { return e.generation }

// Dirty reports whether a Completed entry has been marked for a clean-check.
func (e *Entry[I]) Dirty() bool { return e.dirty }

// HasUncacheableDeps reports whether the entry's last completed run
// recorded at least one uncacheable dependency.
func (e *Entry[I]) HasUncacheableDeps() bool { return e.hasUncacheableDeps }

// DepRecord associates a dependency, identified by its owning graph's
// opaque entry id (carried here as a plain uint64 so this package need not
// import the graph package that defines it), with the generation observed
// for it at the run that recorded this record.
type DepRecord struct {
	ID         uint64
	Generation Generation
}

// DepGenerations returns the dependency records recorded at the last
// completed run, in the order the dependencies were requested.
func (e *Entry[I]) DepGenerations() []DepRecord {
	return append([]DepRecord(nil), e.depGenerations...)
}

// Result returns the entry's cached result (from its last completed run,
// whether or not it is currently dirty) and whether one exists yet.
func (e *Entry[I]) Result() (I, bool) {
	return e.result, e.hasResult
}

// CleanHit reports whether the entry can satisfy a Get immediately without
// a clean-check: it must be Completed, not dirty, without uncacheable deps,
// and the node itself must be cacheable. A cache hit on an entry whose last
// run errored reports that cached error rather than a value (spec.md §7:
// runner errors cache on the entry just like values).
func (e *Entry[I]) CleanHit(nodeCacheable bool) (I, Generation, error, bool) {
	var zero I
	if e.kind != Completed || e.dirty || e.hasUncacheableDeps || !nodeCacheable {
		return zero, 0, nil, false
	}
	if e.lastErr != nil {
		return zero, e.generation, e.lastErr, true
	}
	return e.result, e.generation, nil, true
}

// NeedsCleanCheck reports whether the entry is Completed but must be
// clean-checked before its value can be reused (dirty, has uncacheable
// deps, or the node itself is no longer cacheable).
func (e *Entry[I]) NeedsCleanCheck(nodeCacheable bool) bool {
	return e.kind == Completed && (e.dirty || e.hasUncacheableDeps || !nodeCacheable)
}

// StartRun transitions the entry into Running with a fresh RunToken. Valid
// from NotStarted or from Completed (re-run after a failed clean-check). It
// is invalid to call StartRun on an entry already Running; register a
// waiter on it instead.
func (e *Entry[I]) StartRun() RunToken {
	e.kind = Running
	e.runToken++
	e.runWaiters = e.runWaiters[:0]
	return e.runToken
}

// Snapshot returns a read-only, cheaply-copyable view of the entry. If the
// entry is Running, the returned Wait channel fires once when the current
// run (ch's RunToken) completes or is superseded; the caller registers
// itself as a waiter as part of taking the snapshot.
func (e *Entry[I]) Snapshot() Snapshot[I] {
	s := Snapshot[I]{
		Kind:               e.kind,
		RunToken:           e.runToken,
		Generation:         e.generation,
		Result:             e.result,
		HasUncacheableDeps: e.hasUncacheableDeps,
		Dirty:              e.dirty,
	}
	if e.kind == Running {
		s.Wait = e.registerRunWaiter()
	}
	return s
}

// registerRunWaiter adds a one-shot completion channel to the entry's
// waiter list, fired the next time Complete or Clear runs.
func (e *Entry[I]) registerRunWaiter() <-chan Completion[I] {
	ch := make(chan Completion[I], 1)
	e.runWaiters = append(e.runWaiters, ch)
	return ch
}

// RegisterPollWaiter registers a one-shot channel that fires the first time
// the entry's generation exceeds observed, or when the entry is cleared or
// invalidated. If the entry already exceeds observed, it fires immediately.
func (e *Entry[I]) RegisterPollWaiter(observed Generation) <-chan Completion[I] {
	ch := make(chan Completion[I], 1)
	if e.kind == Completed && e.generation > observed {
		ch <- Completion[I]{Item: e.result, Generation: e.generation}
		return ch
	}
	e.pollWaiters = append(e.pollWaiters, pollWaiter[I]{observed: observed, ch: ch})
	return ch
}

// Complete records the result of the run identified by runToken. If
// runToken no longer matches the entry's current RunToken, the completion
// is stale and is discarded silently (a fresher run has already
// superseded it) and ok is false. Otherwise the entry transitions to
// Completed, its generation is bumped if equal reports the new result
// differs from the previous one (or no previous result existed), its
// dirty bit is cleared, and every registered waiter is woken.
func (e *Entry[I]) Complete(runToken RunToken, depGenerations []DepRecord, result I, hasUncacheableDeps bool, runErr error, equal func(a, b I) bool) (changed, ok bool) {
	if runToken != e.runToken {
		return false, false
	}

	if runErr == nil {
		changed = !e.hasResult || !equal(e.result, result)
		if changed {
			e.generation++
		}
		e.result = result
		e.hasResult = true
	} else {
		// An error is treated as a changed value: downstream clean-checks
		// must not trust a failed run's absence of change.
		changed = true
		e.generation++
	}

	e.kind = Completed
	e.lastErr = runErr
	e.depGenerations = depGenerations
	e.hasUncacheableDeps = hasUncacheableDeps
	e.dirty = false

	e.wake(Completion[I]{Item: result, Generation: e.generation, Err: runErr})
	return changed, true
}

// MarkClean clears a Completed entry's dirty bit without touching its
// cached value, generation, or recorded dependency records: the outcome
// of a successful clean-check, where every recorded dependency's
// generation still matches.
func (e *Entry[I]) MarkClean() {
	e.dirty = false
}

// MarkDirty marks a Completed entry for a clean-check on its next Get,
// without discarding its cached value or recorded dependency edges (they
// may still be valid; a clean-check will find out). A Running entry
// instead has its RunToken bumped, so that whatever completion arrives for
// the current run is discarded and the caller must start a fresh run once
// it observes the bump.
func (e *Entry[I]) MarkDirty() {
	switch e.kind {
	case Completed:
		e.dirty = true
	case Running:
		e.runToken++
	}
}

// Clear drops the entry's dependency generations (they describe an
// outgoing edge set the caller is about to remove) and wakes every waiter
// with invalidated. A Completed entry transitions to NotStarted; a Running
// entry keeps its Running state but its RunToken is bumped (the in-flight
// run's eventual completion will be discarded). The caller is responsible
// for also removing the entry's outgoing edges from the owning graph;
// Clear only touches entry-local state.
//
// The previous result is deliberately NOT discarded here: a cleared root
// that is re-run and produces the same value must still see its
// generation held steady (spec.md §8 scenario 2), which requires Complete
// to keep comparing against whatever the entry last held, across the
// Clear. A cleared entry cannot be read as a cache hit regardless (Kind is
// NotStarted), so retaining the value is invisible to everything except
// that comparison.
func (e *Entry[I]) Clear(invalidated error) {
	e.lastErr = nil
	e.depGenerations = nil
	e.hasUncacheableDeps = false
	e.dirty = false

	switch e.kind {
	case Completed:
		e.kind = NotStarted
	case Running:
		e.runToken++
	}

	e.wake(Completion[I]{Err: invalidated})
}

func (e *Entry[I]) wake(c Completion[I]) {
	for _, ch := range e.runWaiters {
		ch <- c
	}
	e.runWaiters = nil

	remaining := e.pollWaiters[:0]
	for _, w := range e.pollWaiters {
		if c.Err != nil || c.Generation > w.observed {
			w.ch <- c
		} else {
			remaining = append(remaining, w)
		}
	}
	e.pollWaiters = remaining
}
