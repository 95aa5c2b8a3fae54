package patch

import (
	"time"

	"github.com/storyweft/weft/merge"
	"github.com/storyweft/weft/story"
)

// TransformResult is the outcome of one replace-transform application.
type TransformResult struct {
	Mod       string `json:"mod"`
	Transform string `json:"transform"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the transform errored (or panicked).
func (r TransformResult) Failed() bool { return r.Error != "" }

// TransformReport accumulates one result per transform, in application
// order. Failures are kept alongside successes; the pipeline never stops on
// a transform error.
type TransformReport []TransformResult

// Failed counts the transforms that errored.
func (r TransformReport) Failed() int {
	n := 0
	for _, res := range r {
		if res.Failed() {
			n++
		}
	}
	return n
}

// Outcome is the structured result of one patch session. No error from
// inside the pipeline escapes Patch; it lands here instead.
type Outcome struct {
	SessionID string `json:"session_id"`

	// State is the last pipeline state the session entered. A completed
	// session reads CacheInvalidated; anything earlier means the session
	// stopped there.
	State State `json:"state"`

	Mods       []string        `json:"mods,omitempty"`
	Conflicts  merge.Conflicts `json:"conflicts"`
	Transforms TransformReport `json:"transforms,omitempty"`

	// Structural holds rendered StructuralError findings from the pre-swap
	// validation pass. Non-empty findings do not abort the pipeline.
	Structural []string `json:"structural,omitempty"`

	// Snapshot is the refreshed after-patch snapshot, for callers that need
	// the combined data without another tree read.
	Snapshot story.Snapshot `json:"-"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Valid reports whether the session saw a well-formed tree.
func (o Outcome) Valid() bool { return len(o.Structural) == 0 }

// Completed reports whether the session ran the full pipeline.
func (o Outcome) Completed() bool { return o.State == StateCacheInvalidated }
