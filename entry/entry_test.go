package entry_test

import (
	"errors"
	"testing"

	"github.com/go-depgraph/go-depgraph/entry"
)

func equalInt(a, b int) bool { return a == b }

func TestStartRunBumpsRunToken(t *testing.T) {
	e := entry.New[int]()
	if e.Kind() != entry.NotStarted {
		t.Fatalf("new entry kind = %v, want NotStarted", e.Kind())
	}

	tok1 := e.StartRun()
	if e.Kind() != entry.Running {
		t.Fatalf("kind after StartRun = %v, want Running", e.Kind())
	}
	if tok1 == 0 {
		t.Fatalf("StartRun returned zero token")
	}

	if _, ok := e.Complete(tok1, nil, 1, false, nil, equalInt); !ok {
		t.Fatalf("Complete with current token should succeed")
	}

	tok2 := e.StartRun()
	if tok2 <= tok1 {
		t.Fatalf("RunToken not monotonic: %v then %v", tok1, tok2)
	}
}

func TestCompleteWithStaleRunTokenDiscarded(t *testing.T) {
	e := entry.New[int]()
	tok1 := e.StartRun()
	_ = e.StartRun() // supersede tok1 without completing it

	if _, ok := e.Complete(tok1, nil, 42, false, nil, equalInt); ok {
		t.Fatalf("stale Complete must be discarded")
	}
}

func TestGenerationBumpsOnlyOnChange(t *testing.T) {
	e := entry.New[int]()
	tok := e.StartRun()
	changed, ok := e.Complete(tok, nil, 1, false, nil, equalInt)
	if !ok || !changed {
		t.Fatalf("first completion should report changed=true, ok=true; got %v %v", changed, ok)
	}
	gen1 := e.Generation()

	tok = e.StartRun()
	changed, ok = e.Complete(tok, nil, 1, false, nil, equalInt)
	if !ok || changed {
		t.Fatalf("re-completion with the same value should report changed=false; got %v %v", changed, ok)
	}
	if e.Generation() != gen1 {
		t.Fatalf("generation bumped on unchanged value: %v -> %v", gen1, e.Generation())
	}

	tok = e.StartRun()
	changed, ok = e.Complete(tok, nil, 2, false, nil, equalInt)
	if !ok || !changed {
		t.Fatalf("completion with a different value should report changed=true; got %v %v", changed, ok)
	}
	if e.Generation() != gen1+1 {
		t.Fatalf("generation = %v, want %v", e.Generation(), gen1+1)
	}
}

func TestCleanHitRequiresCleanCompletedCacheableNode(t *testing.T) {
	e := entry.New[int]()
	tok := e.StartRun()
	e.Complete(tok, []entry.DepRecord{{ID: 1, Generation: 1}}, 7, false, nil, equalInt)

	if _, _, _, ok := e.CleanHit(true); !ok {
		t.Fatalf("clean completed cacheable entry should be a cache hit")
	}

	e.MarkDirty()
	if _, _, _, ok := e.CleanHit(true); ok {
		t.Fatalf("dirty entry must not be a cache hit")
	}
	if !e.NeedsCleanCheck(true) {
		t.Fatalf("dirty entry should need a clean-check")
	}
}

func TestCleanHitReproducesCachedError(t *testing.T) {
	boom := errors.New("boom")
	e := entry.New[int]()
	tok := e.StartRun()
	changed, ok := e.Complete(tok, nil, 0, false, boom, equalInt)
	if !ok || !changed {
		t.Fatalf("errored completion should report changed=true, ok=true; got %v %v", changed, ok)
	}

	_, _, err, hit := e.CleanHit(true)
	if !hit {
		t.Fatalf("a completed (even errored) clean entry should still be a cache hit")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("CleanHit err = %v, want %v", err, boom)
	}
}

func TestDirtyOnRunningBumpsRunToken(t *testing.T) {
	e := entry.New[int]()
	tok1 := e.StartRun()
	e.MarkDirty()
	if e.Kind() != entry.Running {
		t.Fatalf("MarkDirty on a Running entry must not change its Kind")
	}
	if e.RunToken() == tok1 {
		t.Fatalf("MarkDirty on a Running entry must bump its RunToken")
	}
	if _, ok := e.Complete(tok1, nil, 1, false, nil, equalInt); ok {
		t.Fatalf("completion for the token in flight before MarkDirty must be discarded")
	}
}

func TestClearWakesWaitersWithInvalidated(t *testing.T) {
	invalidated := errors.New("invalidated")
	e := entry.New[int]()
	tok := e.StartRun()
	snap := e.Snapshot()
	if snap.Wait == nil {
		t.Fatalf("snapshot of a Running entry must carry a Wait channel")
	}

	e.Clear(invalidated)

	select {
	case c := <-snap.Wait:
		if !errors.Is(c.Err, invalidated) {
			t.Fatalf("waiter fired with err = %v, want %v", c.Err, invalidated)
		}
	default:
		t.Fatalf("Clear must wake registered waiters")
	}

	if e.Kind() != entry.Running {
		t.Fatalf("Clear on a never-completed Running entry keeps it Running, not %v", e.Kind())
	}
	_ = tok
}

func TestPollWaiterFiresOnlyOnGenerationIncrease(t *testing.T) {
	e := entry.New[int]()
	tok := e.StartRun()
	e.Complete(tok, nil, 1, false, nil, equalInt)
	g0 := e.Generation()

	ch := e.RegisterPollWaiter(g0)
	select {
	case <-ch:
		t.Fatalf("poll waiter must not fire before a new generation")
	default:
	}

	tok = e.StartRun()
	e.Complete(tok, nil, 1, false, nil, equalInt) // unchanged value: no generation bump
	select {
	case <-ch:
		t.Fatalf("poll waiter fired without a generation increase")
	default:
	}

	tok = e.StartRun()
	e.Complete(tok, nil, 2, false, nil, equalInt) // changed value: generation bumps
	select {
	case c := <-ch:
		if c.Generation != g0+1 {
			t.Fatalf("poll waiter fired with generation %v, want %v", c.Generation, g0+1)
		}
	default:
		t.Fatalf("poll waiter should have fired after generation increase")
	}
}

func TestRegisterPollWaiterFiresImmediatelyIfAlreadyPast(t *testing.T) {
	e := entry.New[int]()
	tok := e.StartRun()
	e.Complete(tok, nil, 1, false, nil, equalInt)

	ch := e.RegisterPollWaiter(0) // generation 1 > 0 already
	select {
	case c := <-ch:
		if c.Generation != e.Generation() {
			t.Fatalf("immediate poll fire generation = %v, want %v", c.Generation, e.Generation())
		}
	default:
		t.Fatalf("poll waiter registered below the current generation should fire immediately")
	}
}
