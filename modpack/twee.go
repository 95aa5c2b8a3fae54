// CLAUDE:SUMMARY Twee passage parser: ":: Name [tags] {json}" headers into passage records.

package modpack

import (
	"encoding/json"
	"strings"

	"github.com/storyweft/weft/story"
)

type tweeMeta struct {
	Position string `json:"position"`
	Size     string `json:"size"`
}

// ParsePassages parses twee source into passage records, in source order.
// A passage is introduced by a header line
//
//	:: Passage Name [tag tag] {"position":"100,200","size":"100,100"}
//
// with tags and metadata optional, and runs until the next header. Text
// before the first header is ignored, as are headers with an empty name.
func ParsePassages(src string) []story.Record {
	var recs []story.Record
	var cur *story.Record
	var body []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimRight(strings.Join(body, "\n"), "\n")
		recs = append(recs, *cur)
		cur, body = nil, nil
	}

	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(line, "::") {
			flush()
			if rec, ok := parseTweeHeader(line); ok {
				cur = &rec
			}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return recs
}

func parseTweeHeader(line string) (story.Record, bool) {
	h := strings.TrimSpace(strings.TrimPrefix(line, "::"))
	var rec story.Record

	// Metadata block is always last on the line.
	if i := indexUnescaped(h, '{'); i >= 0 {
		var meta tweeMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(h[i:])), &meta); err == nil {
			rec.Position = meta.Position
			rec.Size = meta.Size
		}
		h = strings.TrimSpace(h[:i])
	}

	if i := indexUnescaped(h, '['); i >= 0 {
		if end := strings.IndexByte(h[i:], ']'); end > 0 {
			if tags := strings.Fields(h[i+1 : i+end]); len(tags) > 0 {
				rec.Tags = tags
			}
		}
		h = strings.TrimSpace(h[:i])
	}

	rec.Name = unescapeTweeName(h)
	if rec.Name == "" {
		return story.Record{}, false
	}
	return rec, true
}

// indexUnescaped returns the first index of ch not preceded by a backslash.
func indexUnescaped(s string, ch byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ch && (i == 0 || s[i-1] != '\\') {
			return i
		}
	}
	return -1
}

var tweeNameUnescaper = strings.NewReplacer(`\[`, "[", `\]`, "]", `\{`, "{", `\}`, "}")

func unescapeTweeName(s string) string {
	return tweeNameUnescaper.Replace(s)
}
