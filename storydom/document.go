// CLAUDE:SUMMARY In-memory story document: parse story HTML, read records, swap nodes, render back.
package storydom

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"

	"github.com/storyweft/weft/story"
)

// Story data node names and attributes as story HTML files carry them.
const (
	storyDataTag = "tw-storydata"
	passageTag   = "tw-passagedata"

	styleNodeID  = "twine-user-stylesheet"
	scriptNodeID = "twine-user-script"
	styleType    = "text/twine-css"
	scriptType   = "text/twine-javascript"
)

// Document is a story HTML document held in memory. It implements Tree and
// serves as the test double for it. Not safe for concurrent use: the patch
// pipeline is the only writer and serializes its own access.
type Document struct {
	root *html.Node // document node
	data *html.Node // the tw-storydata element
}

// Parse reads a story HTML document. The document must contain a
// tw-storydata element.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse story html: %w", err)
	}
	data := findElement(root, storyDataTag)
	if data == nil {
		return nil, ErrNoStoryData
	}
	return &Document{root: root, data: data}, nil
}

// ParseFile reads a story HTML document from disk.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open story file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// StoryName returns the story's name attribute, or "" when unset.
func (d *Document) StoryName() string {
	return getAttr(d.data, "name")
}

// Read captures the current style/script/passage nodes as records. Combined
// style/script payloads written by a previous Swap split back into their
// individual records via the marker comments.
func (d *Document) Read(_ context.Context) (story.Snapshot, error) {
	snap := story.Snapshot{SourceLabel: d.sourceLabel()}

	for _, n := range d.kindNodes("style") {
		recs := SplitStyles(textContent(n), nodeName(n, "stylesheet"))
		snap.Styles = append(snap.Styles, recs...)
	}
	for _, n := range d.kindNodes("script") {
		recs := SplitScripts(textContent(n), nodeName(n, "script"))
		snap.Scripts = append(snap.Scripts, recs...)
	}
	for _, n := range d.kindNodes(passageTag) {
		rec := story.Record{
			ID:       getAttr(n, "pid"),
			Name:     getAttr(n, "name"),
			Content:  textContent(n),
			Position: getAttr(n, "position"),
			Size:     getAttr(n, "size"),
		}
		if tags := strings.Fields(getAttr(n, "tags")); len(tags) > 0 {
			rec.Tags = tags
		}
		snap.Passages = append(snap.Passages, rec)
	}
	return snap, nil
}

// Swap removes every existing style, script, and passage node from the
// story data element and appends one style node, one script node, and one
// node per passage. The tree is never observable with neither old nor new
// nodes present: all new nodes are built before any old node is detached,
// and no call leaves this method in between.
func (d *Document) Swap(_ context.Context, styles, scripts string, passages []story.Record) error {
	styleNode := element("style",
		attr("role", "stylesheet"),
		attr("id", styleNodeID),
		attr("type", styleType),
	)
	styleNode.AppendChild(&html.Node{Type: html.TextNode, Data: styles})

	scriptNode := element("script",
		attr("role", "script"),
		attr("id", scriptNodeID),
		attr("type", scriptType),
	)
	scriptNode.AppendChild(&html.Node{Type: html.TextNode, Data: scripts})

	passageNodes := make([]*html.Node, 0, len(passages))
	for _, p := range passages {
		n := element(passageTag)
		if p.ID != "" {
			n.Attr = append(n.Attr, attr("pid", p.ID))
		}
		n.Attr = append(n.Attr, attr("name", p.Name))
		if len(p.Tags) > 0 {
			n.Attr = append(n.Attr, attr("tags", strings.Join(p.Tags, " ")))
		}
		if p.Position != "" {
			n.Attr = append(n.Attr, attr("position", p.Position))
		}
		if p.Size != "" {
			n.Attr = append(n.Attr, attr("size", p.Size))
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: p.Content})
		passageNodes = append(passageNodes, n)
	}

	for _, old := range d.allKindNodes() {
		old.Parent.RemoveChild(old)
	}
	d.data.AppendChild(styleNode)
	d.data.AppendChild(scriptNode)
	for _, n := range passageNodes {
		d.data.AppendChild(n)
	}
	return nil
}

// Counts returns the current node population of the story data element.
func (d *Document) Counts(_ context.Context) (Counts, error) {
	return Counts{
		Styles:   len(d.kindNodes("style")),
		Scripts:  len(d.kindNodes("script")),
		Passages: len(d.kindNodes(passageTag)),
	}, nil
}

// Render writes the whole document as HTML.
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("render story html: %w", err)
	}
	return nil
}

// WriteFile renders the document to path.
func (d *Document) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write story file: %w", err)
	}
	if err := d.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *Document) sourceLabel() string {
	if name := d.StoryName(); name != "" {
		return name
	}
	return "story"
}

// kindNodes returns all descendant elements of the story data container
// with the given tag name.
func (d *Document) kindNodes(tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := d.data.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

func (d *Document) allKindNodes() []*html.Node {
	var out []*html.Node
	out = append(out, d.kindNodes("style")...)
	out = append(out, d.kindNodes("script")...)
	out = append(out, d.kindNodes(passageTag)...)
	return out
}

func findElement(root *html.Node, tag string) *html.Node {
	if root.Type == html.ElementNode && root.Data == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func element(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, Attr: attrs}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

// nodeName names a captured style/script node: its id attribute when set,
// otherwise the kind default.
func nodeName(n *html.Node, fallback string) string {
	if id := getAttr(n, "id"); id != "" {
		return id
	}
	return fallback
}
