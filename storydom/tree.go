// CLAUDE:SUMMARY Render-tree capability interface plus the combined style/script payload codec.

// Package storydom gives the patch pipeline its view of a story render
// tree: read the current style/script/passage nodes as records, and swap
// all of them for new content in one uninterrupted step.
//
// Document implements the capability over a parsed story HTML file and
// doubles as the in-memory implementation tests use; storydom/browser
// implements it against a live page.
package storydom

import (
	"context"
	"strings"

	"github.com/storyweft/weft/story"
)

// Tree is the narrow capability the patch pipeline needs from a render
// tree. Only the patch orchestrator calls Swap; everything else treats the
// tree as read-only.
type Tree interface {
	// Read captures the current style/script/passage content as records.
	Read(ctx context.Context) (story.Snapshot, error)

	// Swap removes every existing style, script, and passage node and
	// appends the new ones, with no observable intermediate state: a Read
	// after Swap sees exactly the new content.
	Swap(ctx context.Context, styles, scripts string, passages []story.Record) error

	// Counts returns the current number of nodes per kind.
	Counts(ctx context.Context) (Counts, error)
}

// Counts is the node population of a tree. A well-formed story tree has
// exactly one style node, one script node, and any number of passages.
type Counts struct {
	Styles   int `json:"styles"`
	Scripts  int `json:"scripts"`
	Passages int `json:"passages"`
}

// WellFormed reports whether the counts match the expected story shape.
func (c Counts) WellFormed() bool {
	return c.Styles == 1 && c.Scripts == 1
}

const (
	styleMarkerPrefix  = `/* weft:style "`
	scriptMarkerPrefix = `/* weft:script "`
	markerSuffix       = `" */`
)

// CombineStyles concatenates style records into the single combined
// stylesheet payload, each entry prefixed by an identifying comment. The
// marker lines are what Split uses to recover the individual records, so
// recapturing a swapped tree yields per-entry records again. Trailing
// newlines of each entry are not preserved.
func CombineStyles(recs []story.Record) string {
	return combine(styleMarkerPrefix, recs)
}

// CombineScripts concatenates script records into the single combined
// script payload, same convention as CombineStyles.
func CombineScripts(recs []story.Record) string {
	return combine(scriptMarkerPrefix, recs)
}

// SplitStyles recovers style records from a combined payload. Content
// before the first marker (or a payload without markers) becomes a single
// record named fallback.
func SplitStyles(payload, fallback string) []story.Record {
	return split(styleMarkerPrefix, payload, fallback)
}

// SplitScripts recovers script records from a combined payload.
func SplitScripts(payload, fallback string) []story.Record {
	return split(scriptMarkerPrefix, payload, fallback)
}

func combine(prefix string, recs []story.Record) string {
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(prefix)
		b.WriteString(r.Name)
		b.WriteString(markerSuffix)
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(r.Content, "\n"))
	}
	return b.String()
}

func split(prefix, payload, fallback string) []story.Record {
	if strings.TrimSpace(payload) == "" {
		return nil
	}

	var recs []story.Record
	cur := -1
	var buf []string

	flush := func() {
		if cur < 0 {
			return
		}
		recs[cur].Content = strings.TrimRight(strings.Join(buf, "\n"), "\n")
		buf = buf[:0]
	}

	for _, line := range strings.Split(payload, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) && strings.HasSuffix(trimmed, markerSuffix) {
			flush()
			name := trimmed[len(prefix) : len(trimmed)-len(markerSuffix)]
			recs = append(recs, story.Record{Name: name})
			cur = len(recs) - 1
			continue
		}
		if cur < 0 {
			// Content ahead of any marker: an unmanaged payload.
			recs = append(recs, story.Record{Name: fallback})
			cur = 0
		}
		buf = append(buf, line)
	}
	flush()
	return recs
}
