package patch

import (
	"errors"
	"fmt"

	"github.com/storyweft/weft/storydom"
)

var (
	// ErrPatchInProgress is returned when Patch is called while another
	// invocation holds the in-progress guard. The rejected call is a no-op.
	ErrPatchInProgress = errors.New("patch: a patch is already in progress")

	// ErrClosed is returned by Patch after the orchestrator has been closed.
	ErrClosed = errors.New("patch: orchestrator is closed")
)

// StructuralError reports a render tree whose node counts do not match the
// expected story shape (exactly one style node, one script node). It is
// recorded and logged, never fatal: the pipeline still swaps in new nodes
// rather than leaving the tree as it found it.
type StructuralError struct {
	Counts storydom.Counts
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("patch: tree shape mismatch: %d style nodes, %d script nodes, want exactly 1 of each",
		e.Counts.Styles, e.Counts.Scripts)
}

// TransformError wraps a replace-transform failure with the identity of the
// offending mod and transform. Panics inside a transform surface as one of
// these too.
type TransformError struct {
	Mod       string
	Transform string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("patch: transform %q (mod %q): %v", e.Transform, e.Mod, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
