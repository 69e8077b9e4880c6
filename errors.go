package depgraph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidated is returned when a Get observes its entry cleared mid-run,
// or when the graph is draining. A Get eligible for retry (spec.md §5: no
// source entry, or a non-cacheable source) consumes this error locally and
// retries; any other caller sees it surfaced.
var ErrInvalidated = errors.New("depgraph: entry invalidated")

// ErrExhausted is returned when a retry-eligible Get has consumed its
// 8-attempt retry budget without observing anything but ErrInvalidated.
var ErrExhausted = errors.New("depgraph: retry budget exhausted")

// CyclicError is returned when inserting an edge would close a cycle among
// clean entries. Path holds the display strings of the nodes on the cycle,
// in traversal order, e.g. ["A", "B", "A"] for a direct A->B->A cycle.
type CyclicError struct {
	Path []string
}

func (e *CyclicError) Error() string {
	return fmt.Sprintf("depgraph: cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is reports whether target is also a *CyclicError, so that errors.Is can
// be used to detect cyclic errors without inspecting Path.
func (e *CyclicError) Is(target error) bool {
	_, ok := target.(*CyclicError)
	return ok
}
