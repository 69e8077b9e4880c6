package fixture_test

import (
	"context"
	"testing"

	"github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
)

func TestRecorderRunsOnceAndCaches(t *testing.T) {
	rec := fixture.NewRecorder()
	a := fixture.NewBuilder("A").Build()
	rec.SetValue("A", 1)

	g := depgraph.New[fixture.Node, any, int](rec.RunFunc())

	ctx := context.Background()
	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := rec.Runs("A"); got != 1 {
		t.Fatalf("Runs(A) = %d, want 1", got)
	}
}

func TestRecorderRecordsDependencies(t *testing.T) {
	rec := fixture.NewRecorder()
	a := fixture.NewBuilder("A").Build()
	b := fixture.NewBuilder("B").Build()
	rec.SetValue("A", 1)
	rec.SetValue("B", 2)
	rec.SetDeps("A", b)

	g := depgraph.New[fixture.Node, any, int](rec.RunFunc())

	ctx := context.Background()
	item, _, err := g.Get(ctx, nil, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != 1 {
		t.Fatalf("Get(A) = %d, want 1", item)
	}
	if got := rec.Runs("B"); got != 1 {
		t.Fatalf("Runs(B) = %d, want 1", got)
	}
}

func TestBuilderNotCacheable(t *testing.T) {
	n := fixture.NewBuilder("A").NotCacheable().Build()
	if n.Cacheable() {
		t.Fatalf("node should not be cacheable")
	}
}

func TestBuilderCopyByValuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on copied Builder use")
		}
	}()
	b := fixture.NewBuilder("A").NotCacheable()
	cp := *b
	cp.Build()
}
