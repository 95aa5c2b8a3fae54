package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/storyweft/weft/merge"
	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

// fakeTree is an in-memory render tree. Swap stores the combined payloads
// the way a real tree would; Read splits them back into records.
type fakeTree struct {
	mu       sync.Mutex
	styles   string
	scripts  string
	passages []story.Record

	reads  int
	swaps  int
	counts *storydom.Counts

	readErr error
	swapErr error
}

func newFakeTree(snap story.Snapshot) *fakeTree {
	return &fakeTree{
		styles:   storydom.CombineStyles(snap.Styles),
		scripts:  storydom.CombineScripts(snap.Scripts),
		passages: story.CloneRecords(snap.Passages),
	}
}

func (f *fakeTree) Read(ctx context.Context) (story.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return story.Snapshot{}, f.readErr
	}
	return story.Snapshot{
		SourceLabel: "fake",
		Scripts:     storydom.SplitScripts(f.scripts, "story-script"),
		Styles:      storydom.SplitStyles(f.styles, "story-style"),
		Passages:    story.CloneRecords(f.passages),
	}, nil
}

func (f *fakeTree) Swap(ctx context.Context, styles, scripts string, passages []story.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapErr != nil {
		return f.swapErr
	}
	f.swaps++
	f.styles = styles
	f.scripts = scripts
	f.passages = story.CloneRecords(passages)
	return nil
}

func (f *fakeTree) Counts(ctx context.Context) (storydom.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts != nil {
		return *f.counts, nil
	}
	return storydom.Counts{Styles: 1, Scripts: 1, Passages: len(f.passages)}, nil
}

func baseSnapshot() story.Snapshot {
	return story.Snapshot{
		Scripts:  []story.Record{{Name: "story-script", Content: "window.setup = {};"}},
		Styles:   []story.Record{{Name: "story-style", Content: "body { color: black; }"}},
		Passages: []story.Record{{ID: "1", Name: "Start", Content: "It begins."}},
	}
}

func modEntry(name string, order int, snap story.Snapshot, patchers ...story.Transform) story.ModEntry {
	return story.ModEntry{Name: name, LoadOrder: order, Snapshot: snap, Patchers: patchers}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPatchAppliesMods(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("skin", 0, story.Snapshot{
			SourceLabel: "skin",
			Styles:      []story.Record{{Name: "story-style", Content: "body { color: red; }"}},
			Passages:    []story.Record{{Name: "Credits", Content: "By the skin mod."}},
		}),
		modEntry("cheats", 1, story.Snapshot{
			SourceLabel: "cheats",
			Scripts:     []story.Record{{Name: "cheats.js", Content: "window.cheats = true;"}},
		}),
	}

	out, err := o.Patch(context.Background(), mods)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !out.Completed() {
		t.Fatalf("outcome state = %v, want cache_invalidated", out.State)
	}
	if !out.Conflicts.Empty() {
		t.Fatalf("conflicts = %+v, want none", out.Conflicts)
	}
	if tree.swaps != 1 {
		t.Fatalf("tree swaps = %d, want 1", tree.swaps)
	}

	got, err := tree.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if i := got.Find(story.KindStyle, "story-style"); i < 0 || got.Styles[i].Content != "body { color: red; }" {
		t.Errorf("story-style not overridden: %+v", got.Styles)
	}
	if got.Find(story.KindScript, "cheats.js") < 0 {
		t.Errorf("cheats.js not appended: %+v", got.Scripts)
	}
	if got.Find(story.KindPassage, "Start") < 0 || got.Find(story.KindPassage, "Credits") < 0 {
		t.Errorf("passages = %+v, want Start and Credits", got.Passages)
	}

	// The outcome snapshot matches what the tree now holds.
	if len(out.Snapshot.Scripts) != len(got.Scripts) {
		t.Errorf("outcome snapshot scripts = %d, tree has %d", len(out.Snapshot.Scripts), len(got.Scripts))
	}
}

func TestPatchReportsConflicts(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("a", 0, story.Snapshot{
			SourceLabel: "a",
			Styles:      []story.Record{{Name: "theme.css", Content: "a"}},
		}),
		modEntry("b", 1, story.Snapshot{
			SourceLabel: "b",
			Styles:      []story.Record{{Name: "theme.css", Content: "b"}},
		}),
	}

	out, err := o.Patch(context.Background(), mods)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := out.Conflicts.Kind(story.KindStyle); len(got) != 1 || got[0] != "theme.css" {
		t.Fatalf("style conflicts = %v, want [theme.css]", got)
	}

	// Later occurrence won.
	snap, err := tree.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	i := snap.Find(story.KindStyle, "theme.css")
	if i < 0 || snap.Styles[i].Content != "b" {
		t.Errorf("theme.css content after patch = %+v, want b", snap.Styles)
	}
}

func TestPatchRejectsConcurrentInvocation(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	inside := make(chan struct{})
	release := make(chan struct{})
	blocking := story.Transform{
		Name: "block",
		Apply: func(ctx context.Context, snap *story.Snapshot) error {
			close(inside)
			<-release
			return nil
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Patch(context.Background(), []story.ModEntry{
			modEntry("slow", 0, story.Snapshot{}, blocking),
		})
		done <- err
	}()

	<-inside
	if got := o.State(); got != StateApplyingPatchers {
		t.Errorf("State during transform = %v, want applying_patchers", got)
	}
	_, err := o.Patch(context.Background(), nil)
	if !errors.Is(err, ErrPatchInProgress) {
		t.Fatalf("second Patch error = %v, want ErrPatchInProgress", err)
	}
	if tree.swaps != 0 {
		t.Fatalf("rejected call swapped the tree: swaps = %d", tree.swaps)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Patch: %v", err)
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("State after completion = %v, want idle", got)
	}

	// Guard released: a fresh call succeeds.
	if _, err := o.Patch(context.Background(), nil); err != nil {
		t.Fatalf("Patch after release: %v", err)
	}
}

func TestTransformFailureContinues(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	boom := errors.New("boom")
	mods := []story.ModEntry{
		modEntry("m", 0, story.Snapshot{},
			story.Transform{Name: "fails", Apply: func(ctx context.Context, snap *story.Snapshot) error {
				return boom
			}},
			story.Transform{Name: "adds", Apply: func(ctx context.Context, snap *story.Snapshot) error {
				snap.Passages = append(snap.Passages, story.Record{Name: "FromTransform", Content: "still ran"})
				return nil
			}},
		),
	}

	out, err := o.Patch(context.Background(), mods)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(out.Transforms) != 2 {
		t.Fatalf("transform report length = %d, want 2", len(out.Transforms))
	}
	if !out.Transforms[0].Failed() || out.Transforms[1].Failed() {
		t.Fatalf("report = %+v, want first failed, second applied", out.Transforms)
	}
	if !strings.Contains(out.Transforms[0].Error, "boom") {
		t.Errorf("failure message %q does not carry the cause", out.Transforms[0].Error)
	}

	snap, err := tree.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Find(story.KindPassage, "FromTransform") < 0 {
		t.Errorf("second transform's passage missing: %+v", snap.Passages)
	}
}

func TestTransformPanicRecovered(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("m", 0, story.Snapshot{},
			story.Transform{Name: "panics", Apply: func(ctx context.Context, snap *story.Snapshot) error {
				panic("unexpected nil")
			}},
		),
	}

	out, err := o.Patch(context.Background(), mods)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !out.Completed() {
		t.Fatalf("state = %v, want completed pipeline", out.State)
	}
	if len(out.Transforms) != 1 || !out.Transforms[0].Failed() {
		t.Fatalf("report = %+v, want one failed entry", out.Transforms)
	}
	if !strings.Contains(out.Transforms[0].Error, "panic") {
		t.Errorf("failure message %q does not mention the panic", out.Transforms[0].Error)
	}
}

func TestTransformErrorIdentity(t *testing.T) {
	cause := errors.New("cause")
	tr := story.Transform{Name: "t", Apply: func(ctx context.Context, snap *story.Snapshot) error {
		return cause
	}}

	snap := story.Snapshot{}
	err := applyTransform(context.Background(), "m", tr, &snap)

	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("error %T, want *TransformError", err)
	}
	if te.Mod != "m" || te.Transform != "t" {
		t.Errorf("identity = %q/%q, want m/t", te.Mod, te.Transform)
	}
	if !errors.Is(err, cause) {
		t.Error("TransformError does not unwrap to the cause")
	}
}

func TestScriptSortRule(t *testing.T) {
	recs := []story.Record{
		{Name: "n1"},
		{ID: "5", Name: "n2"},
		{Name: "n3"},
		{ID: "2", Name: "n4"},
	}
	sortScripts(recs)

	want := []string{"n4", "n2", "n1", "n3"}
	for i, w := range want {
		if recs[i].Name != w {
			t.Fatalf("sorted[%d] = %q, want %q (full: %+v)", i, recs[i].Name, w, recs)
		}
	}
}

func TestScriptSortIgnoresMalformedIDs(t *testing.T) {
	recs := []story.Record{
		{ID: "x9", Name: "a"},
		{ID: "3", Name: "b"},
		{ID: "-1", Name: "c"},
		{ID: "0", Name: "d"},
	}
	sortScripts(recs)

	want := []string{"d", "b", "a", "c"}
	for i, w := range want {
		if recs[i].Name != w {
			t.Fatalf("sorted[%d] = %q, want %q (full: %+v)", i, recs[i].Name, w, recs)
		}
	}
}

func TestStructuralFindingsDoNotAbort(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	tree.counts = &storydom.Counts{Styles: 2, Scripts: 1, Passages: 1}
	rec := &recorderStub{}
	o := New(tree, WithLogger(quiet()), WithRecorder(rec))

	out, err := o.Patch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if out.Valid() {
		t.Fatal("outcome valid despite malformed tree")
	}
	if len(out.Structural) != 1 || !strings.Contains(out.Structural[0], "2 style nodes") {
		t.Fatalf("structural findings = %v", out.Structural)
	}
	if !out.Completed() {
		t.Fatalf("state = %v, want completed pipeline", out.State)
	}
	if tree.swaps != 1 {
		t.Fatalf("swaps = %d, want 1 (findings must not abort)", tree.swaps)
	}
	if len(rec.structural) != 1 {
		t.Errorf("recorded structural findings = %v, want 1", rec.structural)
	}
}

func TestOriginCapturedOnce(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("m", 0, story.Snapshot{
			SourceLabel: "m",
			Styles:      []story.Record{{Name: "story-style", Content: "body { color: red; }"}},
		}),
	}
	if _, err := o.Patch(context.Background(), mods); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	origin, err := o.Cache().Origin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	i := origin.Find(story.KindStyle, "story-style")
	if i < 0 || origin.Styles[i].Content != "body { color: black; }" {
		t.Fatalf("origin styles = %+v, want the pre-patch content", origin.Styles)
	}

	// A second patch leaves the origin untouched.
	if _, err := o.Patch(context.Background(), mods); err != nil {
		t.Fatalf("second Patch: %v", err)
	}
	again, err := o.Cache().Origin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Styles[i].Content != origin.Styles[i].Content {
		t.Error("origin changed across patches")
	}
}

func TestRepatchingKeepsRecordGranularity(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("m", 0, story.Snapshot{
			SourceLabel: "m",
			Scripts:     []story.Record{{Name: "extra.js", Content: "extra();"}},
		}),
	}
	for i := 0; i < 3; i++ {
		out, err := o.Patch(context.Background(), mods)
		if err != nil {
			t.Fatalf("Patch #%d: %v", i+1, err)
		}
		if got := len(out.Snapshot.Scripts); got != 2 {
			t.Fatalf("after patch #%d: %d script records, want 2 (no blob accumulation)", i+1, got)
		}
	}
}

func TestHooksFire(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	h := &hookStub{}
	o := New(tree, WithLogger(quiet()), WithHooks(h))

	if _, err := o.Patch(context.Background(), []story.ModEntry{modEntry("m", 0, story.Snapshot{})}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(h.before) != 1 || len(h.after) != 1 {
		t.Fatalf("hook calls: before=%d after=%d, want 1/1", len(h.before), len(h.after))
	}
	if h.before[0][0] != "m" {
		t.Errorf("before hook mods = %v, want [m]", h.before[0])
	}
	if !h.after[0].Completed() {
		t.Errorf("after hook outcome state = %v, want completed", h.after[0].State)
	}
}

type hookStub struct {
	mu     sync.Mutex
	before [][]string
	after  []Outcome
}

func (h *hookStub) Before(ctx context.Context, mods []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, mods)
}

func (h *hookStub) After(ctx context.Context, out Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, out)
}

type recorderStub struct {
	mu         sync.Mutex
	begins     []string
	conflicts  int
	failures   []TransformResult
	structural []string
	ended      []Outcome
}

func (r *recorderStub) Begin(ctx context.Context, id string, mods []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins = append(r.begins, id)
}

func (r *recorderStub) Conflicts(ctx context.Context, id string, c merge.Conflicts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts += c.Total()
}

func (r *recorderStub) TransformFailure(ctx context.Context, id string, res TransformResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, res)
}

func (r *recorderStub) Structural(ctx context.Context, id string, finding string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structural = append(r.structural, finding)
}

func (r *recorderStub) End(ctx context.Context, out Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, out)
}

func TestRecorderReceivesEvents(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	rec := &recorderStub{}
	o := New(tree, WithLogger(quiet()), WithRecorder(rec))

	mods := []story.ModEntry{
		modEntry("a", 0, story.Snapshot{
			SourceLabel: "a",
			Scripts:     []story.Record{{Name: "dup.js", Content: "a"}},
		}),
		modEntry("b", 1, story.Snapshot{
			SourceLabel: "b",
			Scripts:     []story.Record{{Name: "dup.js", Content: "b"}},
		},
			story.Transform{Name: "fails", Apply: func(ctx context.Context, snap *story.Snapshot) error {
				return errors.New("nope")
			}},
		),
	}

	out, err := o.Patch(context.Background(), mods)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(rec.begins) != 1 || rec.begins[0] != out.SessionID {
		t.Errorf("Begin calls = %v, want [%s]", rec.begins, out.SessionID)
	}
	if rec.conflicts != 1 {
		t.Errorf("recorded conflicts = %d, want 1", rec.conflicts)
	}
	if len(rec.failures) != 1 || rec.failures[0].Transform != "fails" {
		t.Errorf("recorded failures = %+v, want the failing transform", rec.failures)
	}
	if len(rec.ended) != 1 || rec.ended[0].SessionID != out.SessionID {
		t.Errorf("End calls = %+v, want the session outcome", rec.ended)
	}
}

func TestPatchAfterCloseRejected(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))
	o.Close()

	_, err := o.Patch(context.Background(), nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Patch after Close = %v, want ErrClosed", err)
	}
}

func TestCancelledContextStopsBeforeSwap(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Patch(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Patch error = %v, want context.Canceled", err)
	}
	if tree.swaps != 0 {
		t.Fatalf("swaps = %d, want 0 after early cancellation", tree.swaps)
	}
}

func TestSwapFailureSurfaces(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	tree.swapErr = fmt.Errorf("page went away")
	o := New(tree, WithLogger(quiet()))

	out, err := o.Patch(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "swap tree") {
		t.Fatalf("Patch error = %v, want swap failure", err)
	}
	if out.State != StateSwappingTree {
		t.Errorf("outcome state = %v, want swapping_tree", out.State)
	}
}

func TestSimulateDoesNotTouchTree(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	o := New(tree, WithLogger(quiet()))

	mods := []story.ModEntry{
		modEntry("m", 0, story.Snapshot{
			SourceLabel: "m",
			Styles: []story.Record{
				{Name: "story-style", Content: "new"},
				{Name: "added.css", Content: "x"},
			},
		}),
	}

	report, err := o.Simulate(context.Background(), mods)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	d := report.Delta(story.KindStyle)
	if d.Replaced != 1 || d.Added != 1 {
		t.Fatalf("style delta = %+v, want 1 replaced, 1 added", d)
	}
	if tree.swaps != 0 {
		t.Fatalf("Simulate swapped the tree: swaps = %d", tree.swaps)
	}

	// Repeat calls agree.
	again, err := o.Simulate(context.Background(), mods)
	if err != nil {
		t.Fatal(err)
	}
	if again.Delta(story.KindStyle) != d {
		t.Errorf("second simulation delta = %+v, want %+v", again.Delta(story.KindStyle), d)
	}
}
