// CLAUDE:SUMMARY Value types for story content: records, per-kind snapshots, mod entries, transforms.

// Package story defines the content model shared by the merge and patch
// layers: named script/style/passage records, per-kind snapshots of a
// content source, and the mod entry shape the patch pipeline consumes.
//
// Records compare by name for identity: two records with the same name are
// the same slot, possibly holding different values. Everything here is a
// value type; producers that hand out snapshots clone them so no caller can
// alias another's state.
package story

import (
	"context"
	"strconv"
)

// Kind discriminates the three record collections of a snapshot.
type Kind int

const (
	KindScript Kind = iota
	KindStyle
	KindPassage
)

// Kinds lists all record kinds in canonical order.
var Kinds = []Kind{KindScript, KindStyle, KindPassage}

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindPassage:
		return "passage"
	default:
		return "unknown"
	}
}

// Record is one named content entry. Scripts and styles use ID/Name/Content;
// passages additionally carry Tags/Position/Size and use ID as their stable
// passage identifier ("pid"). ID holds the raw attribute text; absent or
// malformed ids are simply not numeric.
type Record struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Position string   `json:"position,omitempty"`
	Size     string   `json:"size,omitempty"`
}

// NumericID parses ID as a non-negative integer. The second return is false
// when ID is empty, malformed, or negative.
func (r Record) NumericID() (int, bool) {
	n, err := strconv.Atoi(r.ID)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Tags != nil {
		out.Tags = make([]string, len(r.Tags))
		copy(out.Tags, r.Tags)
	}
	return out
}

// CloneRecords deep-copies a record slice. A nil input stays nil.
func CloneRecords(recs []Record) []Record {
	if recs == nil {
		return nil
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// Snapshot is the ordered, per-kind content of one source. The zero value is
// the empty snapshot.
type Snapshot struct {
	SourceLabel string   `json:"source_label,omitempty"`
	Scripts     []Record `json:"scripts,omitempty"`
	Styles      []Record `json:"styles,omitempty"`
	Passages    []Record `json:"passages,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		SourceLabel: s.SourceLabel,
		Scripts:     CloneRecords(s.Scripts),
		Styles:      CloneRecords(s.Styles),
		Passages:    CloneRecords(s.Passages),
	}
}

// Kind returns the record slice for k. The slice is shared, not copied.
func (s Snapshot) Kind(k Kind) []Record {
	switch k {
	case KindScript:
		return s.Scripts
	case KindStyle:
		return s.Styles
	case KindPassage:
		return s.Passages
	default:
		return nil
	}
}

// SetKind replaces the record slice for k.
func (s *Snapshot) SetKind(k Kind, recs []Record) {
	switch k {
	case KindScript:
		s.Scripts = recs
	case KindStyle:
		s.Styles = recs
	case KindPassage:
		s.Passages = recs
	}
}

// Find returns the index of the named record within kind k, or -1.
func (s Snapshot) Find(k Kind, name string) int {
	for i, r := range s.Kind(k) {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// Transform is a named operation applied to merged content after the merge,
// mutating the snapshot in place.
type Transform struct {
	Name  string
	Apply func(ctx context.Context, snap *Snapshot) error
}

// ModEntry is one mod as the patch pipeline consumes it: already resolved
// and load-ordered by the caller. The pipeline never reorders entries.
type ModEntry struct {
	Name      string
	LoadOrder int
	Snapshot  Snapshot
	Patchers  []Transform
}
