// CLAUDE:SUMMARY Live-page render tree: reads and swaps story nodes in a running browser via CDP.

// Package browser implements the storydom tree capability against a live
// story page. Reads and swaps execute as single injected scripts on the
// page's main thread, so the running story never observes a half-swapped
// tree.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

// Config configures the page connection.
type Config struct {
	// ControlURL is the devtools websocket of a running browser. Empty
	// launches a local headless one.
	ControlURL string

	// PageURL is the story page to open. Empty attaches to the browser's
	// first open page instead.
	PageURL string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tree is a live story page implementing the storydom tree capability.
type Tree struct {
	cfg      Config
	browser  *rod.Browser
	page     *rod.Page
	launched bool
}

// Connect attaches to a story page. Close releases the connection (and the
// browser, when this process launched it).
func Connect(ctx context.Context, cfg Config) (*Tree, error) {
	cfg.defaults()

	controlURL := cfg.ControlURL
	launched := false
	if controlURL == "" {
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		controlURL = u
		launched = true
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	var page *rod.Page
	if cfg.PageURL != "" {
		p, err := b.Page(proto.TargetCreateTarget{URL: ""})
		if err != nil {
			return nil, fmt.Errorf("browser: create page: %w", err)
		}
		if err := p.Context(ctx).Navigate(cfg.PageURL); err != nil {
			p.Close()
			return nil, fmt.Errorf("browser: navigate %s: %w", cfg.PageURL, err)
		}
		if err := p.Context(ctx).WaitLoad(); err != nil {
			cfg.Logger.Warn("browser: wait load timeout", "url", cfg.PageURL, "error", err)
		}
		page = p
	} else {
		pages, err := b.Pages()
		if err != nil || len(pages) == 0 {
			return nil, fmt.Errorf("browser: no open page to attach to")
		}
		page = pages[0]
	}

	return &Tree{cfg: cfg, browser: b, page: page, launched: launched}, nil
}

// Close disconnects from the page.
func (t *Tree) Close() error {
	if t.launched && t.browser != nil {
		return t.browser.Close()
	}
	if t.page != nil && t.cfg.PageURL != "" {
		return t.page.Close()
	}
	return nil
}

type pageNode struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type pagePassage struct {
	PID      string `json:"pid"`
	Name     string `json:"name"`
	Tags     string `json:"tags"`
	Position string `json:"position"`
	Size     string `json:"size"`
	Text     string `json:"text"`
}

type pageData struct {
	Name     string        `json:"name"`
	Styles   []pageNode    `json:"styles"`
	Scripts  []pageNode    `json:"scripts"`
	Passages []pagePassage `json:"passages"`
}

const readJS = `() => {
	const data = document.querySelector("tw-storydata");
	if (!data) return JSON.stringify(null);
	const out = {name: data.getAttribute("name") || "", styles: [], scripts: [], passages: []};
	for (const n of data.querySelectorAll("style")) out.styles.push({id: n.id || "", text: n.textContent});
	for (const n of data.querySelectorAll("script")) out.scripts.push({id: n.id || "", text: n.textContent});
	for (const n of data.querySelectorAll("tw-passagedata")) out.passages.push({
		pid: n.getAttribute("pid") || "",
		name: n.getAttribute("name") || "",
		tags: n.getAttribute("tags") || "",
		position: n.getAttribute("position") || "",
		size: n.getAttribute("size") || "",
		text: n.textContent,
	});
	return JSON.stringify(out);
}`

// Read captures the page's current story nodes as records.
func (t *Tree) Read(ctx context.Context) (story.Snapshot, error) {
	res, err := t.page.Context(ctx).Eval(readJS)
	if err != nil {
		return story.Snapshot{}, fmt.Errorf("browser: read story data: %w", err)
	}

	var data *pageData
	if err := json.Unmarshal([]byte(res.Value.Str()), &data); err != nil {
		return story.Snapshot{}, fmt.Errorf("browser: decode story data: %w", err)
	}
	if data == nil {
		return story.Snapshot{}, storydom.ErrNoStoryData
	}

	label := data.Name
	if label == "" {
		label = "story"
	}
	snap := story.Snapshot{SourceLabel: label}
	for _, n := range data.Styles {
		snap.Styles = append(snap.Styles, storydom.SplitStyles(n.Text, orDefault(n.ID, "stylesheet"))...)
	}
	for _, n := range data.Scripts {
		snap.Scripts = append(snap.Scripts, storydom.SplitScripts(n.Text, orDefault(n.ID, "script"))...)
	}
	for _, p := range data.Passages {
		rec := story.Record{
			ID:       p.PID,
			Name:     p.Name,
			Content:  p.Text,
			Position: p.Position,
			Size:     p.Size,
		}
		if tags := strings.Fields(p.Tags); len(tags) > 0 {
			rec.Tags = tags
		}
		snap.Passages = append(snap.Passages, rec)
	}
	return snap, nil
}

const swapJS = `(payload) => {
	const data = document.querySelector("tw-storydata");
	if (!data) return false;
	for (const n of data.querySelectorAll("style, script, tw-passagedata")) n.remove();

	const style = document.createElement("style");
	style.setAttribute("role", "stylesheet");
	style.setAttribute("id", "twine-user-stylesheet");
	style.setAttribute("type", "text/twine-css");
	style.textContent = payload.styles;
	data.appendChild(style);

	const script = document.createElement("script");
	script.setAttribute("role", "script");
	script.setAttribute("id", "twine-user-script");
	script.setAttribute("type", "text/twine-javascript");
	script.textContent = payload.scripts;
	data.appendChild(script);

	for (const p of payload.passages) {
		const n = document.createElement("tw-passagedata");
		if (p.pid) n.setAttribute("pid", p.pid);
		n.setAttribute("name", p.name);
		if (p.tags) n.setAttribute("tags", p.tags);
		if (p.position) n.setAttribute("position", p.position);
		if (p.size) n.setAttribute("size", p.size);
		n.textContent = p.text;
		data.appendChild(n);
	}
	return true;
}`

type swapPayload struct {
	Styles   string        `json:"styles"`
	Scripts  string        `json:"scripts"`
	Passages []pagePassage `json:"passages"`
}

// Swap replaces the page's story nodes in one injected script.
func (t *Tree) Swap(ctx context.Context, styles, scripts string, passages []story.Record) error {
	payload := swapPayload{Styles: styles, Scripts: scripts}
	for _, p := range passages {
		payload.Passages = append(payload.Passages, pagePassage{
			PID:      p.ID,
			Name:     p.Name,
			Tags:     strings.Join(p.Tags, " "),
			Position: p.Position,
			Size:     p.Size,
			Text:     p.Content,
		})
	}

	res, err := t.page.Context(ctx).Eval(swapJS, payload)
	if err != nil {
		return fmt.Errorf("browser: swap story nodes: %w", err)
	}
	if !res.Value.Bool() {
		return storydom.ErrNoStoryData
	}
	return nil
}

const countsJS = `() => {
	const data = document.querySelector("tw-storydata");
	if (!data) return JSON.stringify(null);
	return JSON.stringify({
		styles: data.querySelectorAll("style").length,
		scripts: data.querySelectorAll("script").length,
		passages: data.querySelectorAll("tw-passagedata").length,
	});
}`

// Counts returns the page's current node population.
func (t *Tree) Counts(ctx context.Context) (storydom.Counts, error) {
	res, err := t.page.Context(ctx).Eval(countsJS)
	if err != nil {
		return storydom.Counts{}, fmt.Errorf("browser: count story nodes: %w", err)
	}
	var counts *storydom.Counts
	if err := json.Unmarshal([]byte(res.Value.Str()), &counts); err != nil {
		return storydom.Counts{}, fmt.Errorf("browser: decode counts: %w", err)
	}
	if counts == nil {
		return storydom.Counts{}, storydom.ErrNoStoryData
	}
	return *counts, nil
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
