// CLAUDE:SUMMARY Dry-run merge producing a conflict/delta report without touching any tree or cache.
package merge

import "github.com/storyweft/weft/story"

// Delta counts how a kind would change relative to the base.
type Delta struct {
	Replaced int `json:"replaced"`
	Added    int `json:"added"`
}

// Report is the outcome of a simulated merge: the conflicts an actual merge
// would record, and per-kind counts of base records that would be replaced
// versus new records that would be appended.
type Report struct {
	Conflicts Conflicts `json:"conflicts"`
	Scripts   Delta     `json:"scripts"`
	Styles    Delta     `json:"styles"`
	Passages  Delta     `json:"passages"`
}

// Delta returns the delta for k.
func (r Report) Delta(k story.Kind) Delta {
	switch k {
	case story.KindScript:
		return r.Scripts
	case story.KindStyle:
		return r.Styles
	case story.KindPassage:
		return r.Passages
	default:
		return Delta{}
	}
}

func (r *Report) setDelta(k story.Kind, d Delta) {
	switch k {
	case story.KindScript:
		r.Scripts = d
	case story.KindStyle:
		r.Styles = d
	case story.KindPassage:
		r.Passages = d
	}
}

// Simulate runs the fold of Normal over snaps and the reconciliation of
// Replace against base, reporting what an actual patch would do. It reads
// its inputs only through clones and may be called any number of times.
func Simulate(base story.Snapshot, snaps ...story.Snapshot) Report {
	res := Normal(snaps...)

	report := Report{Conflicts: res.Conflicts}
	for _, k := range story.Kinds {
		var d Delta
		for _, rec := range res.Merged.Kind(k) {
			if base.Find(k, rec.Name) >= 0 {
				d.Replaced++
			} else {
				d.Added++
			}
		}
		report.setDelta(k, d)
	}
	return report
}
