package invalidation

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"gocloud.dev/pubsub"

	depgraph "github.com/go-depgraph/go-depgraph"
	"github.com/go-depgraph/go-depgraph/fixture"
)

func encodeRequest(t *testing.T, req Request) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return buf.Bytes()
}

func keyByName(n fixture.Node) (depgraph.Digest, bool) {
	return depgraph.DigestOf(n.String()), true
}

func TestHandleMessageInvalidatesMatchingNode(t *testing.T) {
	ctx := context.Background()
	rec := fixture.NewRecorder()
	a := fixture.NewBuilder("a").Build()
	b := fixture.NewBuilder("b").Build()
	rec.SetValue("a", 1)
	rec.SetValue("b", 2)
	rec.SetDeps("a", b)

	g := depgraph.New[fixture.Node, any, int](rec.RunFunc())
	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("priming Get(a) failed: %v", err)
	}
	if rec.Runs("a") != 1 || rec.Runs("b") != 1 {
		t.Fatalf("unexpected run counts before invalidation: a=%d b=%d", rec.Runs("a"), rec.Runs("b"))
	}

	l := listener[fixture.Node, any, int]{g: g, keyDigest: keyByName}
	msg := &pubsub.Message{Body: encodeRequest(t, Request{Digests: []depgraph.Digest{depgraph.DigestOf("b")}})}

	if err := l.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("Get(a) after invalidation failed: %v", err)
	}
	if rec.Runs("b") != 2 {
		t.Fatalf("Runs(b) = %d, want 2 (b should have been invalidated and rerun)", rec.Runs("b"))
	}
	if rec.Runs("a") != 1 {
		t.Fatalf("Runs(a) = %d, want 1 (a's own cached value is unaffected by b's unchanged rerun)", rec.Runs("a"))
	}
}

func TestHandleMessageIgnoresUnmatchedDigests(t *testing.T) {
	ctx := context.Background()
	rec := fixture.NewRecorder()
	a := fixture.NewBuilder("a").Build()
	rec.SetValue("a", 1)

	g := depgraph.New[fixture.Node, any, int](rec.RunFunc())
	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("priming Get(a) failed: %v", err)
	}

	l := listener[fixture.Node, any, int]{g: g, keyDigest: keyByName}
	msg := &pubsub.Message{Body: encodeRequest(t, Request{Digests: []depgraph.Digest{depgraph.DigestOf("nonexistent")}})}

	if err := l.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if _, _, err := g.Get(ctx, nil, a); err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}
	if rec.Runs("a") != 1 {
		t.Fatalf("Runs(a) = %d, want 1 (no matching digest, no rerun)", rec.Runs("a"))
	}
}

func TestHandleMessageRejectsUndecodableBody(t *testing.T) {
	l := listener[fixture.Node, any, int]{keyDigest: keyByName}
	msg := &pubsub.Message{Body: []byte("not gob")}

	if err := l.handleMessage(context.Background(), msg); err == nil {
		t.Fatalf("handleMessage with garbage body should return an error")
	}
}
