package depgraph_test

import (
	"testing"

	"github.com/go-depgraph/go-depgraph/graphtest"
)

// TestGraph runs the shared conformance suite against the default-configured
// Graph: cache reuse, invalidation and clean-checking, cycle rejection, poll
// semantics, draining, and critical-path accounting.
func TestGraph(t *testing.T) {
	graphtest.Run(t)
}
