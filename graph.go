package depgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/go-depgraph/go-depgraph/entry"
)

// Generation and RunToken are re-exported from the entry package so
// callers driving a Graph never need to import it directly; code that
// works with raw entries (such as entry's own tests) imports entry itself.
type (
	Generation = entry.Generation
	RunToken   = entry.RunToken
)

// maxGetRetries bounds how many times an external (no source) or
// non-cacheable-source Get retries on ErrInvalidated before giving up with
// ErrExhausted.
const maxGetRetries = 8

// maxCycleResolutionAttempts bounds how many times the façade will clear a
// dirty node implicated in a phantom cycle and retry edge insertion before
// giving up and reporting the cycle.
const maxCycleResolutionAttempts = 10

// Graph is the public, thread-safe façade over a memoizing dependency
// graph. N is the node-key type, C is an opaque context value threaded to
// the runner and to digest/display hooks, and I is the type of value a
// node run produces.
//
// A single mutex guards the inner graph and every entry within it. It is
// never held across a suspension point (a recursive Get, a runner
// invocation, or a Poll's delay): the façade acquires it, mutates
// structure, clones out whatever it needs, releases it, then awaits.
type Graph[N Node[I], C any, I any] struct {
	mu    sync.Mutex
	inner *innerGraph[N, I]

	run   RunFunc[N, C, I]
	equal func(a, b I) bool

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	instr  *instruments

	sem *semaphore.Weighted
}

// Option configures a Graph at construction time.
type Option[N Node[I], C any, I any] func(*Graph[N, C, I])

// WithLogger attaches a logger the graph uses for Debug-level routine
// transitions and Warn-level cycle-resolution-exhausted conditions.
// Defaults to slog.Default().
func WithLogger[N Node[I], C any, I any](l *slog.Logger) Option[N, C, I] {
	return func(g *Graph[N, C, I]) { g.logger = l }
}

// WithEqual supplies the equality function used to decide whether a
// completed run's result differs from the previous one (and therefore
// whether the entry's generation should bump). Defaults to
// reflect.DeepEqual.
func WithEqual[N Node[I], C any, I any](eq func(a, b I) bool) Option[N, C, I] {
	return func(g *Graph[N, C, I]) { g.equal = eq }
}

// WithTracerProvider sets the OpenTelemetry TracerProvider the graph draws
// its tracer from. Defaults to otel.GetTracerProvider().
func WithTracerProvider[N Node[I], C any, I any](tp trace.TracerProvider) Option[N, C, I] {
	return func(g *Graph[N, C, I]) {
		g.tracer = tp.Tracer("github.com/go-depgraph/go-depgraph")
	}
}

// WithMeterProvider sets the OpenTelemetry MeterProvider the graph draws
// its meter from. Defaults to otel.GetMeterProvider().
func WithMeterProvider[N Node[I], C any, I any](mp metric.MeterProvider) Option[N, C, I] {
	return func(g *Graph[N, C, I]) {
		g.meter = mp.Meter("github.com/go-depgraph/go-depgraph")
	}
}

// WithMaxConcurrentRuns bounds the number of node runners the graph will
// drive concurrently, using a golang.org/x/sync/semaphore.Weighted the
// same way incremental.Executor bounds query parallelism. A non-positive n
// means unbounded (the default).
func WithMaxConcurrentRuns[N Node[I], C any, I any](n int64) Option[N, C, I] {
	return func(g *Graph[N, C, I]) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(n)
		}
	}
}

// New constructs a Graph that evaluates nodes with run.
func New[N Node[I], C any, I any](run RunFunc[N, C, I], opts ...Option[N, C, I]) *Graph[N, C, I] {
	g := &Graph[N, C, I]{
		inner:  newInnerGraph[N, I](),
		run:    run,
		equal:  func(a, b I) bool { return reflect.DeepEqual(a, b) },
		logger: slog.Default(),
		tracer: otel.GetTracerProvider().Tracer("github.com/go-depgraph/go-depgraph"),
		meter:  otel.GetMeterProvider().Meter("github.com/go-depgraph/go-depgraph"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.instr = newInstruments(g.meter)
	return g
}

// Len reports the number of known entries (nodes ever seen by the graph).
func (g *Graph[N, C, I]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.len()
}

// Create requests a node's value with no requesting source; equivalent to
// Get with a nil source, and therefore always retry-eligible.
func (g *Graph[N, C, I]) Create(ctx context.Context, rctx C, n N) (I, Generation, error) {
	return g.Get(ctx, rctx, n)
}

// Get requests n's value, running it (or waiting for an in-flight run, or
// clean-checking a dirty completion) as needed. Because this call has no
// requesting source entry, it retries up to 8 times on ErrInvalidated
// before giving up with ErrExhausted.
func (g *Graph[N, C, I]) Get(ctx context.Context, rctx C, n N) (I, Generation, error) {
	item, gen, _, err := g.getWithID(ctx, rctx, nil, n)
	return item, gen, err
}

// getWithID is Get's implementation, additionally returning the resolved
// entry id so RunContext.Get can record dependency edges without a second
// lookup.
func (g *Graph[N, C, I]) getWithID(ctx context.Context, rctx C, src *entryID, n N) (I, Generation, entryID, error) {
	var zero I

	dstID, retryEligible, err := g.prepareEdge(ctx, src, n)
	if err != nil {
		return zero, 0, 0, err
	}

	maxAttempts := 1
	if retryEligible {
		maxAttempts = maxGetRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		item, gen, err := g.resolve(ctx, rctx, dstID, n)
		if err == nil {
			return item, gen, dstID, nil
		}
		if retryEligible && errors.Is(err, ErrInvalidated) {
			lastErr = err
			continue
		}
		return zero, 0, dstID, err
	}
	return zero, 0, dstID, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// prepareEdge ensures n has an entry, performs cycle-resolving insertion
// and edge addition if src is given, and reports whether the resulting
// Get is retry-eligible (no source, or a non-cacheable source).
func (g *Graph[N, C, I]) prepareEdge(ctx context.Context, src *entryID, n N) (dstID entryID, retryEligible bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inner.draining {
		return 0, false, ErrInvalidated
	}

	dstID = g.inner.ensureEntry(n)
	retryEligible = true

	if src != nil {
		srcNode := g.inner.nodeFor(*src)
		retryEligible = !srcNode.Cacheable()

		if cycleErr := g.resolveCycleLocked(ctx, *src, dstID); cycleErr != nil {
			return 0, false, cycleErr
		}
		g.inner.addEdge(*src, dstID)
	}

	return dstID, retryEligible, nil
}

// resolveCycleLocked implements cycle-resolving insertion: it checks
// whether adding a src->dst edge would close a cycle, and if the cycle
// runs through a dirty entry (a phantom cycle through now-obsolete edges),
// clears that entry and retries, up to maxCycleResolutionAttempts times.
// Must be called with g.mu held.
func (g *Graph[N, C, I]) resolveCycleLocked(ctx context.Context, src, dst entryID) error {
	for attempt := 0; attempt < maxCycleResolutionAttempts; attempt++ {
		path := g.inner.reportCycle(src, dst)
		if path == nil {
			return nil
		}
		g.instr.recordCycleDetection(ctx)

		var dirtyNodes []N
		for _, id := range path {
			e := g.inner.entryFor(id)
			if e.Kind() == entry.Completed && e.Dirty() {
				dirtyNodes = append(dirtyNodes, g.inner.nodeFor(id))
			}
		}

		if len(dirtyNodes) == 0 {
			return &CyclicError{Path: displayPath(g.inner, path)}
		}

		dirtySet := make(map[N]bool, len(dirtyNodes))
		for _, n := range dirtyNodes {
			dirtySet[n] = true
		}
		g.logger.Debug("depgraph: clearing dirty entries to resolve a phantom cycle",
			"attempt", attempt+1, "path", displayPath(g.inner, path))
		g.inner.invalidateFromRoots(func(n N) bool { return dirtySet[n] })
	}

	path := g.inner.reportCycle(src, dst)
	if path == nil {
		return nil
	}
	g.logger.Warn("depgraph: could not resolve a cycle containing dirty entries",
		"attempts", maxCycleResolutionAttempts, "path", displayPath(g.inner, path))
	return &CyclicError{Path: displayPath(g.inner, path)}
}

func displayPath[N Node[I], I any](inner *innerGraph[N, I], path []entryID) []string {
	out := make([]string, len(path))
	for i, id := range path {
		out[i] = inner.nodeFor(id).String()
	}
	return out
}

// resolve performs one attempt at obtaining dstID's value: a cache hit, a
// wait on an in-flight run, a clean-check, or a fresh run, depending on
// the entry's current state.
func (g *Graph[N, C, I]) resolve(ctx context.Context, rctx C, dstID entryID, n N) (I, Generation, error) {
	g.mu.Lock()
	e := g.inner.entryFor(dstID)

	switch {
	case e.Kind() == entry.NotStarted:
		token := e.StartRun()
		g.mu.Unlock()
		g.instr.recordOutcome(ctx, "re_run")
		return g.runAndComplete(ctx, rctx, dstID, token, n)

	case e.Kind() == entry.Running:
		snap := e.Snapshot()
		g.mu.Unlock()
		return g.awaitSnapshot(ctx, snap)

	case !e.NeedsCleanCheck(n.Cacheable()):
		item, gen, hitErr, _ := e.CleanHit(n.Cacheable())
		g.mu.Unlock()
		g.instr.recordOutcome(ctx, "cache_hit")
		return item, gen, hitErr

	default:
		deps := e.DepGenerations()
		g.mu.Unlock()
		return g.cleanCheck(ctx, rctx, dstID, n, deps)
	}
}

func (g *Graph[N, C, I]) awaitSnapshot(ctx context.Context, snap entry.Snapshot[I]) (I, Generation, error) {
	var zero I
	select {
	case c := <-snap.Wait:
		if c.Err != nil {
			return zero, 0, c.Err
		}
		return c.Item, c.Generation, nil
	case <-ctx.Done():
		return zero, 0, ctx.Err()
	}
}

// cleanCheck re-fetches each dependency recorded at dstID's last
// completion, outside the lock, and compares the generations observed now
// against those recorded then. If every dependency's generation still
// matches, and the node is cacheable, and no dependency turned out to
// carry uncacheable deps, the entry is marked clean and its existing value
// is returned without re-running. Otherwise a fresh run is started.
func (g *Graph[N, C, I]) cleanCheck(ctx context.Context, rctx C, dstID entryID, n N, deps []entry.DepRecord) (I, Generation, error) {
	var zero I

	type observed struct {
		id  entryID
		gen Generation
		err error
	}
	results := make([]observed, len(deps))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, rec := range deps {
		i, rec := i, rec
		eg.Go(func() error {
			// No semaphore acquisition here: fetching a dependency's current
			// generation may itself require running it, which acquires
			// g.sem in runAndComplete. Bounding concurrency at this level
			// too would hold a permit across that recursive acquisition and
			// deadlock as soon as the dependency fan-out exceeds the bound.
			depNode := g.nodeForLocked(entryID(rec.ID))
			_, gen, _, err := g.getWithID(egCtx, rctx, &dstID, depNode)
			results[i] = observed{id: entryID(rec.ID), gen: gen, err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return zero, 0, err
	}

	allMatch := true
	for i, rec := range deps {
		r := results[i]
		if r.err != nil || r.gen != rec.Generation {
			allMatch = false
			break
		}
	}

	g.mu.Lock()
	e := g.inner.entryFor(dstID)
	if allMatch && n.Cacheable() {
		e.MarkClean()
		if item, gen, hitErr, ok := e.CleanHit(true); ok {
			g.mu.Unlock()
			g.instr.recordOutcome(ctx, "clean_check")
			return item, gen, hitErr
		}
		// Another goroutine cleared or re-ran dstID during the unlocked
		// window while we were re-Getting its dependencies: the clean-check
		// we just computed no longer describes the entry's current state.
		// Fall through and treat this like any other failed clean-check.
	}

	if e.Kind() == entry.Running {
		// Someone else already started a fresh run for dstID in that same
		// window; wait on it instead of wiping the edges it is still in
		// the middle of rebuilding, or calling StartRun on a Running entry.
		snap := e.Snapshot()
		g.mu.Unlock()
		return g.awaitSnapshot(ctx, snap)
	}
	g.inner.removeOutgoingEdges(dstID)
	token := e.StartRun()
	g.mu.Unlock()
	g.instr.recordOutcome(ctx, "re_run")
	return g.runAndComplete(ctx, rctx, dstID, token, n)
}

func (g *Graph[N, C, I]) nodeForLocked(id entryID) N {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.nodeFor(id)
}

// runAndComplete invokes the user's RunFunc for n outside the lock,
// gathers the dependency generations and uncacheable-dep flag recorded by
// the RunContext the runner was given, and completes the entry.
func (g *Graph[N, C, I]) runAndComplete(ctx context.Context, rctx C, dstID entryID, token RunToken, n N) (I, Generation, error) {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			var zero I
			return zero, 0, err
		}
		defer g.sem.Release(1)
	}

	spanCtx, span := startSpan(ctx, g.tracer, "depgraph.get", n.String(), n.Cacheable())
	defer span.End()

	for {
		rc := newRunContext(g, spanCtx, rctx, dstID)
		start := time.Now()
		item, runErr := g.run(spanCtx, rc, n)
		g.instr.recordRun(spanCtx, n.String(), time.Since(start))

		deps, hasUncacheableDeps := rc.snapshot()

		g.mu.Lock()
		e := g.inner.entryFor(dstID)
		_, ok := e.Complete(token, deps, item, hasUncacheableDeps, runErr, g.equal)
		gen := e.Generation()
		if !ok && e.Kind() == entry.Running {
			// The entry was dirtied or cleared while this run was in flight,
			// which bumped its RunToken and discarded this completion. Nothing
			// else starts a run on an entry that is already Running, so re-run
			// it here under the current token, with its stale edges dropped;
			// its waiters are woken when that run completes.
			g.inner.removeOutgoingEdges(dstID)
			token = e.RunToken()
			g.mu.Unlock()
			continue
		}
		g.mu.Unlock()

		if !ok {
			return item, 0, ErrInvalidated
		}
		if runErr != nil {
			return item, gen, runErr
		}
		return item, gen, nil
	}
}

// RunContext is passed to a RunFunc so it can request dependencies. Every
// call to Get records the dependency's resolved entry id, the generation
// observed for it, and whether it (or its own deps) were uncacheable, so
// the façade can complete the entry with an accurate dependency record
// once the runner returns.
type RunContext[N Node[I], C any, I any] struct {
	g     *Graph[N, C, I]
	ctx   context.Context
	rctx  C
	srcID entryID

	mu                 sync.Mutex
	order              []entryID
	generations        map[entryID]Generation
	hasUncacheableDeps bool
}

func newRunContext[N Node[I], C any, I any](g *Graph[N, C, I], ctx context.Context, rctx C, srcID entryID) *RunContext[N, C, I] {
	return &RunContext[N, C, I]{
		g:           g,
		ctx:         ctx,
		rctx:        rctx,
		srcID:       srcID,
		generations: make(map[entryID]Generation),
	}
}

// Get requests dep as a dependency of the node currently being run,
// recording the dependency edge and the generation observed for it.
func (rc *RunContext[N, C, I]) Get(dep N) (I, Generation, error) {
	// The runner calling Get is itself holding a g.sem permit (acquired for
	// it by runAndComplete) for as long as it keeps running, including this
	// whole synchronous call. Release that permit before resolving dep: dep
	// may need to run too, on this same goroutine, and would otherwise
	// deadlock trying to acquire a permit its own caller is still holding.
	// Reacquire once dep is resolved, before returning to the runner.
	sem := rc.g.sem
	if sem != nil {
		sem.Release(1)
	}
	item, gen, id, err := rc.g.getWithID(rc.ctx, rc.rctx, &rc.srcID, dep)
	if sem != nil {
		if acqErr := sem.Acquire(rc.ctx, 1); acqErr != nil {
			var zero I
			return zero, 0, acqErr
		}
	}
	if err != nil {
		var zero I
		return zero, 0, err
	}

	rc.mu.Lock()
	if _, seen := rc.generations[id]; !seen {
		rc.order = append(rc.order, id)
	}
	rc.generations[id] = gen
	if !dep.Cacheable() || rc.g.entryHasUncacheableDeps(id) {
		rc.hasUncacheableDeps = true
	}
	rc.mu.Unlock()

	return item, gen, nil
}

// Context returns the opaque context value this run was started with.
func (rc *RunContext[N, C, I]) Context() C { return rc.rctx }

func (rc *RunContext[N, C, I]) snapshot() ([]entry.DepRecord, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	deps := make([]entry.DepRecord, len(rc.order))
	for i, id := range rc.order {
		deps[i] = entry.DepRecord{ID: uint64(id), Generation: rc.generations[id]}
	}
	return deps, rc.hasUncacheableDeps
}

func (g *Graph[N, C, I]) entryHasUncacheableDeps(id entryID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.entryFor(id).HasUncacheableDeps()
}

// Poll resolves once n's generation exceeds observed (or immediately, if
// observed is nil): it registers a generation-gated waiter, awaits it,
// optionally sleeps delay to debounce rapid successive changes, then
// re-fetches n's current value and generation.
func (g *Graph[N, C, I]) Poll(ctx context.Context, rctx C, n N, observed *Generation, delay time.Duration) (I, Generation, error) {
	var zero I

	ctx, span := startSpan(ctx, g.tracer, "depgraph.poll", n.String(), n.Cacheable())
	defer span.End()

	if observed != nil {
		start := time.Now()

		g.mu.Lock()
		id := g.inner.ensureEntry(n)
		ch := g.inner.entryFor(id).RegisterPollWaiter(*observed)
		g.mu.Unlock()

		select {
		case c := <-ch:
			g.instr.recordPollWait(ctx, time.Since(start))
			if c.Err != nil {
				return zero, 0, c.Err
			}
		case <-ctx.Done():
			return zero, 0, ctx.Err()
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, 0, ctx.Err()
			}
		}
	}

	return g.Get(ctx, rctx, n)
}

// InvalidationResult reports how many entries were cleared (the roots
// matching the invalidation predicate) versus dirtied (their transitive
// dependents).
type InvalidationResult struct {
	Cleared int
	Dirtied int
}

// InvalidateFromRoots clears every started entry whose node matches
// predicate, drops their now-stale outgoing edges, and marks every
// transitive dependent dirty so it will be clean-checked (or re-run) on
// its next Get.
func (g *Graph[N, C, I]) InvalidateFromRoots(ctx context.Context, predicate func(N) bool) InvalidationResult {
	g.mu.Lock()
	res := g.inner.invalidateFromRoots(predicate)
	g.mu.Unlock()

	g.instr.recordInvalidation(ctx, res.Cleared, res.Dirtied)
	return InvalidationResult{Cleared: res.Cleared, Dirtied: res.Dirtied}
}

// Clear drops the cached value of every entry in the graph, transitioning
// completed entries back to NotStarted and bumping the RunToken of any
// entry currently running. Outgoing edges are dropped along with their
// source entry's value.
func (g *Graph[N, C, I]) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.inner.entries {
		e.Clear(ErrInvalidated)
		g.inner.removeOutgoingEdges(id)
	}
}

// MarkDraining flips the graph's draining flag. While draining, new Gets
// fail immediately with ErrInvalidated; in-flight runs are not cancelled.
// Calling MarkDraining with the flag already in the requested state is an
// idempotent failure: it returns an error and leaves the flag untouched.
func (g *Graph[N, C, I]) MarkDraining(draining bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inner.draining == draining {
		return fmt.Errorf("depgraph: graph is already %s", drainingWord(draining))
	}
	g.inner.draining = draining
	return nil
}

func drainingWord(draining bool) string {
	if draining {
		return "draining"
	}
	return "not draining"
}

// WithExclusive runs f with the inner graph's lock held, for
// administrative operations that need a consistent view across several
// otherwise-independent calls.
func (g *Graph[N, C, I]) WithExclusive(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f()
}

// CriticalPath computes the longest-duration path reachable from roots,
// where durationFn reports the cost attributed to a node. Returns (0, nil)
// if roots is empty.
func (g *Graph[N, C, I]) CriticalPath(roots []N, durationFn func(N) time.Duration) (time.Duration, []N) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]entryID, 0, len(roots))
	for _, n := range roots {
		if id, ok := g.inner.nodes[n]; ok {
			ids = append(ids, id)
		}
	}

	total, path := g.inner.criticalPath(ids, func(id entryID) time.Duration {
		return durationFn(g.inner.nodeFor(id))
	})

	out := make([]N, len(path))
	for i, id := range path {
		out[i] = g.inner.nodeFor(id)
	}
	return total, out
}

// Walk returns a lazy traversal starting from roots, in the given
// direction, stopping descent (but still yielding) at any node for which
// stop reports true. stop may be nil.
func (g *Graph[N, C, I]) Walk(roots []N, dir Direction, stop func(N) bool) *Walk[N] {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]entryID, 0, len(roots))
	for _, n := range roots {
		if id, ok := g.inner.nodes[n]; ok {
			ids = append(ids, id)
		}
	}

	adj := g.inner.out
	if dir == Incoming {
		adj = g.inner.in
	}
	adjCopy := make(map[entryID][]entryID, len(adj))
	for k, v := range adj {
		adjCopy[k] = v
	}
	keysCopy := make(map[entryID]N, len(g.inner.keys))
	for k, v := range g.inner.keys {
		keysCopy[k] = v
	}

	return newWalk(keysCopy, adjCopy, ids, stop)
}

// ReachableDigestCount counts the distinct digests among the nodes
// reachable from roots that have completed a run and offer a digest.
func (g *Graph[N, C, I]) ReachableDigestCount(roots []N) int {
	digests := g.AllDigests(roots)
	seen := make(map[Digest]bool, len(digests))
	for _, d := range digests {
		seen[d] = true
	}
	return len(seen)
}

// AllDigests returns the digest of every completed, digest-offering node
// reachable from roots, in walk order.
func (g *Graph[N, C, I]) AllDigests(roots []N) []Digest {
	w := g.Walk(roots, Outgoing, nil)

	var digests []Digest
	for {
		n, ok := w.Next()
		if !ok {
			break
		}
		result, isCompleted := g.completedResult(n)
		if !isCompleted {
			continue
		}
		if d, ok := n.Digest(result); ok {
			digests = append(digests, d)
		}
	}
	return digests
}

func (g *Graph[N, C, I]) completedResult(n N) (I, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.inner.nodes[n]
	if !ok {
		var zero I
		return zero, false
	}
	e := g.inner.entryFor(id)
	if e.Kind() != entry.Completed {
		var zero I
		return zero, false
	}
	return e.Result()
}
