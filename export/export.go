// CLAUDE:SUMMARY Snapshot export: passage Markdown document and a stable JSON form.

// Package export renders merged snapshots for review outside the engine:
// one Markdown section per passage, and a stable JSON document for
// diffing. Passage bodies that carry HTML are converted to Markdown;
// twee/SugarCube markup and plain prose pass through verbatim.
package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/storyweft/weft/story"
)

// Exporter renders snapshots. Safe for concurrent use.
type Exporter struct {
	conv *converter.Converter
}

// New creates an Exporter.
func New() *Exporter {
	return &Exporter{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown renders the snapshot's passages as one Markdown document, a
// section per passage in snapshot order.
func (e *Exporter) Markdown(snap story.Snapshot) string {
	var b strings.Builder
	title := snap.SourceLabel
	if title == "" {
		title = "story"
	}
	fmt.Fprintf(&b, "# %s\n", title)
	for _, p := range snap.Passages {
		fmt.Fprintf(&b, "\n## %s\n", p.Name)
		if len(p.Tags) > 0 {
			fmt.Fprintf(&b, "_tags: %s_\n", strings.Join(p.Tags, ", "))
		}
		b.WriteString("\n")
		b.WriteString(e.body(p.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// body converts HTML passage content to Markdown. Conversion failures and
// non-HTML content fall back to the verbatim body, so story markup like
// [[links]] and <<macros>> is never mangled.
func (e *Exporter) body(content string) string {
	if !looksLikeHTML(content) {
		return content
	}
	md, err := e.conv.ConvertString(content)
	if err != nil || strings.TrimSpace(md) == "" {
		return content
	}
	return strings.TrimSpace(md)
}

// htmlTag matches an opening tag from the common HTML vocabulary. Twee
// macro markup (<<if ...>>) does not match: the double bracket puts a
// non-boundary word character after the candidate tag name.
var htmlTag = regexp.MustCompile(`(?i)<(p|div|span|a|img|table|thead|tbody|tr|td|th|ul|ol|li|h[1-6]|br|hr|em|strong|b|i|u|blockquote|pre|code|section|article|figure|audio|video|source)\b[^>]*>`)

func looksLikeHTML(s string) bool { return htmlTag.MatchString(s) }

type jsonDoc struct {
	Format   string         `json:"format"`
	Version  int            `json:"version"`
	Snapshot story.Snapshot `json:"snapshot"`
}

// JSON renders the snapshot as an indented, field-stable JSON document.
func (e *Exporter) JSON(snap story.Snapshot) ([]byte, error) {
	out, err := json.MarshalIndent(jsonDoc{
		Format:   "weft-snapshot",
		Version:  1,
		Snapshot: snap,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode snapshot: %w", err)
	}
	return append(out, '\n'), nil
}
