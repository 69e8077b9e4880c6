// Package invalidation wires an external change feed into a Graph's
// InvalidateFromRoots: a Request message names the nodes that changed
// upstream (by their caller-assigned Digest), and Listen turns each
// incoming message into one invalidation sweep.
package invalidation

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"

	depgraph "github.com/go-depgraph/go-depgraph"
)

// Request is the wire message consumed by Listen: the set of node digests
// that must be treated as roots of an invalidation sweep. A producer
// publishes one Request per batch of upstream changes it wants reflected in
// the graph.
type Request struct {
	Digests []depgraph.Digest
}

func init() {
	gob.Register(Request{})
}

// Listen returns a component.Procedure that consumes Request messages from
// sub and invalidates the matching nodes in g. keyDigest projects a node to
// the Digest its Request messages identify it by; a node for which keyDigest
// reports false never matches and is never invalidated.
//
// Listen acknowledges each message after handling it, whether or not it
// could be processed: a Request that fails to decode or apply is logged
// and dropped rather than redelivered, since redelivery cannot change the
// outcome of a pure decode/invalidate step.
func Listen[N depgraph.Node[I], C any, I any](sub *pubsub.Subscription, g *depgraph.Graph[N, C, I], keyDigest func(N) (depgraph.Digest, bool)) component.Procedure {
	return listener[N, C, I]{sub: sub, g: g, keyDigest: keyDigest}
}

type listener[N depgraph.Node[I], C any, I any] struct {
	sub       *pubsub.Subscription
	g         *depgraph.Graph[N, C, I]
	keyDigest func(N) (depgraph.Digest, bool)
}

func (l listener[N, C, I]) Exec(c *component.L) {
	logger := component.Logger(c.Context())
	for c.Continue() {
		msg, err := l.sub.Receive(c.GraceContext())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			panic("cannot receive messages from the pubsub service")
		}

		if err := l.handleMessage(c.GraceContext(), msg); err != nil {
			logger.Error("couldn't handle invalidation request",
				slog.Any("error", err),
			)
		}
		msg.Ack()
	}
}

func (l listener[N, C, I]) handleMessage(ctx context.Context, msg *pubsub.Message) error {
	var req Request
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&req); err != nil {
		return fmt.Errorf("decode invalidation request: %w", err)
	}
	if len(req.Digests) == 0 {
		return nil
	}

	want := make(map[depgraph.Digest]bool, len(req.Digests))
	for _, d := range req.Digests {
		want[d] = true
	}

	l.g.InvalidateFromRoots(ctx, func(n N) bool {
		d, ok := l.keyDigest(n)
		return ok && want[d]
	})
	return nil
}
