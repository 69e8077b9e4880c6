// Package neo4jviz mirrors a depgraph.Graph's reachable subgraph into Neo4j:
// one node per reachable, digest-bearing entry and one relationship per
// dependency edge, kept up to date by idempotent MERGE statements so that
// repeated syncs of an unchanged subgraph leave the database untouched.
package neo4jviz

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	depgraph "github.com/go-depgraph/go-depgraph"
)

var tracer = otel.Tracer("github.com/go-depgraph/go-depgraph/neo4jviz")

// Visualizer mirrors the reachable subgraph of a single depgraph.Graph into
// a Neo4j database, under a single fixed label: unlike a registry of
// heterogeneous domain types, every node synced through one Visualizer is
// the same N, so one label suffices.
type Visualizer[N depgraph.Node[I], C any, I any] struct {
	driver   neo4j.DriverWithContext
	database string
	label    string
}

// New returns a Visualizer that writes into the named database, labeling
// every synced node with label. Call BootstrapDatabase first to create the
// content-address key constraint label depends on.
func New[N depgraph.Node[I], C any, I any](driver neo4j.DriverWithContext, database, label string) *Visualizer[N, C, I] {
	return &Visualizer[N, C, I]{driver: driver, database: database, label: label}
}

// BootstrapDatabase creates the database and the node-key constraint that
// keeps concurrent syncs from racing each other into duplicate nodes.
func (v *Visualizer[N, C, I]) BootstrapDatabase(ctx context.Context) error {
	s := v.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	if _, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS`, map[string]any{"name": v.database}); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s2 := v.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: v.database})
	defer func() { _ = s2.Close(ctx) }()

	_, err := s2.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			CREATE CONSTRAINT IF NOT EXISTS
			FOR (n:`+v.label+`)
			REQUIRE n._digest IS NODE KEY
		`, nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("key constraint: %w", err)
	}
	return nil
}

// Sync re-fetches every node reachable from roots through Graph.Get (a
// cache hit for anything already completed and clean; a node that is not,
// is run or clean-checked first), computes its digest, and MERGEs it and
// its dependency edges into the database in a single transaction. Nodes
// whose Get fails, or that offer no digest, are skipped, along with their
// edges: there is nothing stable to key a node on.
func (v *Visualizer[N, C, I]) Sync(ctx context.Context, g *depgraph.Graph[N, C, I], rctx C, roots []N) (err error) {
	ctx, span := tracer.Start(ctx, "neo4jviz.Sync", trace.WithAttributes(
		attribute.String("neo4jviz.database", v.database),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	nodes, edges := g.Reachable(roots)

	digests := make(map[N]depgraph.Digest, len(nodes))
	for _, n := range nodes {
		item, _, err := g.Get(ctx, rctx, n)
		if err != nil {
			continue
		}
		if d, ok := n.Digest(item); ok {
			digests[n] = d
		}
	}

	s := v.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: v.database})
	defer func() { _ = s.Close(ctx) }()

	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			d, ok := digests[n]
			if !ok {
				continue
			}
			if err := v.assertNode(ctx, tx, d, n); err != nil {
				return nil, fmt.Errorf("assert node %q: %w", n, err)
			}
		}
		for _, e := range edges {
			from, ok := digests[e.From]
			if !ok {
				continue
			}
			to, ok := digests[e.To]
			if !ok {
				continue
			}
			if err := v.assertEdge(ctx, tx, from, to); err != nil {
				return nil, fmt.Errorf("assert edge %q -> %q: %w", e.From, e.To, err)
			}
		}
		return nil, nil
	})
	return err
}

func (v *Visualizer[N, C, I]) assertNode(ctx context.Context, tx neo4j.ManagedTransaction, d depgraph.Digest, n N) error {
	result, err := tx.Run(ctx, `
		MERGE (s:`+v.label+` {_digest: $digest})
		SET s.name = $name
		RETURN count(s) as nodes
	`, map[string]any{
		"digest": d.String(),
		"name":   n.String(),
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	nodes, err := getRecordInt64(record, "nodes")
	if err != nil {
		return err
	}
	if nodes != 1 {
		return fmt.Errorf("assert-node modified %v nodes instead of 1", nodes)
	}
	return nil
}

func (v *Visualizer[N, C, I]) assertEdge(ctx context.Context, tx neo4j.ManagedTransaction, from, to depgraph.Digest) error {
	result, err := tx.Run(ctx, `
		MERGE (s:`+v.label+` {_digest: $from})
		MERGE (d:`+v.label+` {_digest: $to})
		MERGE (s)-[e:DEPENDS_ON]->(d)
		RETURN count(e) as edges
	`, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	edges, err := getRecordInt64(record, "edges")
	if err != nil {
		return err
	}
	if edges != 1 {
		return fmt.Errorf("assert-edge modified %v edges instead of 1", edges)
	}
	return nil
}

func getRecordInt64(record *neo4j.Record, key string) (int64, error) {
	prop, exists := record.Get(key)
	if !exists {
		return 0, fmt.Errorf("property %q not found", key)
	}
	v, ok := prop.(int64)
	if !ok {
		return 0, fmt.Errorf("property %q has unexpected type %T", key, prop)
	}
	return v, nil
}
