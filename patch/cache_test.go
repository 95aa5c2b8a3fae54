package patch

import (
	"context"
	"errors"
	"testing"

	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

func TestCacheOriginMemoized(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	c := NewCache(tree)
	ctx := context.Background()

	first, err := c.Origin(ctx)
	if err != nil {
		t.Fatalf("Origin: %v", err)
	}
	if tree.reads != 1 {
		t.Fatalf("reads after first Origin = %d, want 1", tree.reads)
	}

	// Mutating the returned copy must not leak into the cache.
	first.Styles[0].Content = "mutated"

	second, err := c.Origin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tree.reads != 1 {
		t.Fatalf("reads after second Origin = %d, want 1 (memoized)", tree.reads)
	}
	if second.Styles[0].Content == "mutated" {
		t.Error("caller mutation visible through the cache")
	}
}

func TestCacheCurrentLazy(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	c := NewCache(tree)
	ctx := context.Background()

	if tree.reads != 0 {
		t.Fatalf("reads before first access = %d, want 0", tree.reads)
	}
	if _, err := c.Current(ctx); err != nil {
		t.Fatalf("Current: %v", err)
	}
	if _, err := c.Current(ctx); err != nil {
		t.Fatal(err)
	}
	if tree.reads != 1 {
		t.Fatalf("reads after two Current calls = %d, want 1", tree.reads)
	}

	c.Invalidate()
	if _, err := c.Current(ctx); err != nil {
		t.Fatal(err)
	}
	if tree.reads != 2 {
		t.Fatalf("reads after Invalidate+Current = %d, want 2", tree.reads)
	}
}

func TestCacheRefreshSeesNewTreeState(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	c := NewCache(tree)
	ctx := context.Background()

	before, err := c.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.Find(story.KindScript, "late.js") >= 0 {
		t.Fatal("late.js present before swap")
	}

	snap := baseSnapshot()
	snap.Scripts = append(snap.Scripts, story.Record{Name: "late.js", Content: "x"})
	if err := tree.Swap(ctx, storydom.CombineStyles(snap.Styles), storydom.CombineScripts(snap.Scripts), snap.Passages); err != nil {
		t.Fatal(err)
	}

	// A stale Current still serves the cached state; Refresh re-reads.
	stale, err := c.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Find(story.KindScript, "late.js") >= 0 {
		t.Fatal("Current re-read the tree without an Invalidate")
	}

	fresh, err := c.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Find(story.KindScript, "late.js") < 0 {
		t.Fatalf("Refresh missed the new tree state: %+v", fresh.Scripts)
	}
}

func TestCacheResetRepinsOrigin(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	c := NewCache(tree)
	ctx := context.Background()

	if _, err := c.Origin(ctx); err != nil {
		t.Fatalf("Origin: %v", err)
	}

	snap := baseSnapshot()
	snap.Scripts = append(snap.Scripts, story.Record{Name: "late.js", Content: "x"})
	if err := tree.Swap(ctx, storydom.CombineStyles(snap.Styles), storydom.CombineScripts(snap.Scripts), snap.Passages); err != nil {
		t.Fatal(err)
	}

	// Without a Reset the origin stays pinned to the first read.
	pinned, err := c.Origin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pinned.Find(story.KindScript, "late.js") >= 0 {
		t.Fatal("origin re-read the tree without a Reset")
	}

	c.Reset()
	repinned, err := c.Origin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if repinned.Find(story.KindScript, "late.js") < 0 {
		t.Fatalf("origin not re-pinned after Reset: %+v", repinned.Scripts)
	}
}

func TestCacheReadErrorPropagates(t *testing.T) {
	tree := newFakeTree(baseSnapshot())
	tree.readErr = errors.New("page gone")
	c := NewCache(tree)

	if _, err := c.Current(context.Background()); err == nil {
		t.Fatal("Current: expected error from failing tree")
	}
	if _, err := c.Origin(context.Background()); err == nil {
		t.Fatal("Origin: expected error from failing tree")
	}
}
