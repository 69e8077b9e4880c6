package neo4jviz_test

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	depgraph "github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
	"github.com/go-depgraph/go-depgraph/internal/dbtest"
	"github.com/go-depgraph/go-depgraph/neo4jviz"
)

func TestVisualizerSync(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()

	v := neo4jviz.New[fixture.Node, any, int](d, "depgraphviz", "DepGraphNode")
	if err := v.BootstrapDatabase(ctx); err != nil {
		t.Fatalf("BootstrapDatabase() error = %v", err)
	}

	rec := fixture.NewRecorder()
	a := fixture.NewBuilder("a").Build()
	b := fixture.NewBuilder("b").Build()
	rec.SetValue("a", 1)
	rec.SetValue("b", 2)
	rec.SetDeps("a", b)

	g := depgraph.New[fixture.Node, any, int](rec.RunFunc())
	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}

	if err := v.Sync(ctx, g, nil, []fixture.Node{a}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "depgraphviz"})
	defer func() {
		if err := s.Close(ctx); err != nil {
			t.Fatal("Failed to close session:", err)
		}
	}()

	result, err := s.Run(ctx, `MATCH (n:DepGraphNode) RETURN count(n) as nodes`, nil)
	if err != nil {
		t.Fatalf("count nodes query failed: %v", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		t.Fatalf("count nodes single result failed: %v", err)
	}
	nodes, _ := record.Get("nodes")
	if nodes.(int64) != 2 {
		t.Errorf("node count = %v, want 2", nodes)
	}

	result, err = s.Run(ctx, `MATCH ()-[e:DEPENDS_ON]->() RETURN count(e) as edges`, nil)
	if err != nil {
		t.Fatalf("count edges query failed: %v", err)
	}
	record, err = result.Single(ctx)
	if err != nil {
		t.Fatalf("count edges single result failed: %v", err)
	}
	edges, _ := record.Get("edges")
	if edges.(int64) != 1 {
		t.Errorf("edge count = %v, want 1", edges)
	}

	// Syncing again over an unchanged graph must not create duplicate nodes
	// or relationships: the MERGE-by-digest key keeps this idempotent.
	if err := v.Sync(ctx, g, nil, []fixture.Node{a}); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	result, err = s.Run(ctx, `MATCH (n:DepGraphNode) RETURN count(n) as nodes`, nil)
	if err != nil {
		t.Fatalf("count nodes query failed: %v", err)
	}
	record, err = result.Single(ctx)
	if err != nil {
		t.Fatalf("count nodes single result failed: %v", err)
	}
	nodes, _ = record.Get("nodes")
	if nodes.(int64) != 2 {
		t.Errorf("node count after re-sync = %v, want 2 (idempotent MERGE)", nodes)
	}
}
