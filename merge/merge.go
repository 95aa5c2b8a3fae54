// CLAUDE:SUMMARY Pure merge strategies over ordered snapshots: concat, fold-with-override, replace-onto-base.

// Package merge combines ordered sequences of story snapshots.
//
// Three strategies, all pure and all running the identical algorithm
// independently per kind (scripts, styles, passages):
//
//   - Concat appends everything, duplicates side by side.
//   - Normal folds left-to-right with name-keyed override; first occurrence
//     fixes a name's output position, later occurrences from other sources
//     replace its content in place and are reported as conflicts.
//   - Replace folds an overlay onto a base, replacing in place and
//     appending names the base lacks.
//
// Inputs are never aliased: every record that reaches an output is cloned.
package merge

import (
	"sort"

	"github.com/storyweft/weft/story"
)

// Conflicts lists, per kind, the record names contributed by two or more
// sources. Slices are sorted; a kind with no conflicts is nil.
type Conflicts struct {
	Scripts  []string `json:"scripts,omitempty"`
	Styles   []string `json:"styles,omitempty"`
	Passages []string `json:"passages,omitempty"`
}

// Kind returns the conflict names for k.
func (c Conflicts) Kind(k story.Kind) []string {
	switch k {
	case story.KindScript:
		return c.Scripts
	case story.KindStyle:
		return c.Styles
	case story.KindPassage:
		return c.Passages
	default:
		return nil
	}
}

func (c *Conflicts) setKind(k story.Kind, names []string) {
	switch k {
	case story.KindScript:
		c.Scripts = names
	case story.KindStyle:
		c.Styles = names
	case story.KindPassage:
		c.Passages = names
	}
}

// Empty reports whether no kind has conflicts.
func (c Conflicts) Empty() bool {
	return len(c.Scripts) == 0 && len(c.Styles) == 0 && len(c.Passages) == 0
}

// Total returns the number of conflicting names across all kinds.
func (c Conflicts) Total() int {
	return len(c.Scripts) + len(c.Styles) + len(c.Passages)
}

// Result is a merged snapshot plus the conflicts observed while merging.
type Result struct {
	Merged    story.Snapshot `json:"merged"`
	Conflicts Conflicts      `json:"conflicts"`
}

// Concat appends every record from every snapshot in order. No
// deduplication, no conflict detection: duplicate names are preserved side
// by side so each contribution takes independent effect.
func Concat(snaps ...story.Snapshot) story.Snapshot {
	var out story.Snapshot
	for _, k := range story.Kinds {
		var recs []story.Record
		for _, snap := range snaps {
			for _, r := range snap.Kind(k) {
				recs = append(recs, r.Clone())
			}
		}
		out.SetKind(k, recs)
	}
	return out
}

// Normal folds snapshots left-to-right into a name-keyed accumulator. The
// first occurrence of a name establishes its output position; every later
// occurrence replaces the content at that position. A name is a conflict
// iff two or more input snapshots contribute it; a repeated name inside
// one snapshot is a silent self-overwrite (last wins).
func Normal(snaps ...story.Snapshot) Result {
	var res Result
	for _, k := range story.Kinds {
		recs, conflicts := normalKind(k, snaps)
		res.Merged.SetKind(k, recs)
		res.Conflicts.setKind(k, conflicts)
	}
	return res
}

func normalKind(k story.Kind, snaps []story.Snapshot) ([]story.Record, []string) {
	// Mapping plus separate ordered name list, kept in sync; output order
	// never depends on map iteration.
	byName := make(map[string]story.Record)
	var order []string
	firstSource := make(map[string]int)
	conflicted := make(map[string]struct{})

	for si, snap := range snaps {
		for _, rec := range snap.Kind(k) {
			if _, seen := byName[rec.Name]; seen {
				if firstSource[rec.Name] != si {
					conflicted[rec.Name] = struct{}{}
				}
				byName[rec.Name] = rec.Clone()
				continue
			}
			byName[rec.Name] = rec.Clone()
			order = append(order, rec.Name)
			firstSource[rec.Name] = si
		}
	}

	var recs []story.Record
	if order != nil {
		recs = make([]story.Record, len(order))
		for i, name := range order {
			recs[i] = byName[name]
		}
	}
	return recs, sortedNames(conflicted)
}

// Replace folds overlay onto base: a name present in both replaces the base
// record at its original position; a name only in the overlay is appended at
// the end in overlay order. Base records the overlay never names are left
// untouched. The result carries the base's source label.
func Replace(base, overlay story.Snapshot) story.Snapshot {
	out := story.Snapshot{SourceLabel: base.SourceLabel}
	for _, k := range story.Kinds {
		out.SetKind(k, replaceKind(k, base, overlay))
	}
	return out
}

func replaceKind(k story.Kind, base, overlay story.Snapshot) []story.Record {
	out := story.CloneRecords(base.Kind(k))
	pos := make(map[string]int, len(out))
	for i, r := range out {
		pos[r.Name] = i
	}

	appended := make(map[string]int)
	for _, rec := range overlay.Kind(k) {
		if i, ok := pos[rec.Name]; ok {
			out[i] = rec.Clone()
			continue
		}
		if i, ok := appended[rec.Name]; ok {
			// Self-overwrite among the overlay's new names.
			out[i] = rec.Clone()
			continue
		}
		out = append(out, rec.Clone())
		appended[rec.Name] = len(out) - 1
	}
	return out
}

func sortedNames(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
