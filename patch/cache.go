package patch

import (
	"context"
	"sync"

	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

// Cache owns the two snapshots of a patch session. The origin snapshot is
// captured from the tree exactly once, on first access, and never changes
// after that. The after-patch snapshot is captured lazily, invalidated by
// every tree swap, and recomputed on next access; it is the baseline every
// merge reads. Both live until the owning orchestrator is torn down.
//
// All accessors return deep copies, so callers (and the transforms they run)
// can never corrupt the cached state.
type Cache struct {
	tree storydom.Tree

	mu      sync.Mutex
	origin  *story.Snapshot
	current *story.Snapshot
}

// NewCache creates a cache over tree. Nothing is read until first access.
func NewCache(tree storydom.Tree) *Cache {
	return &Cache{tree: tree}
}

// Origin returns the origin snapshot, capturing it from the tree if this is
// the first access.
func (c *Cache) Origin(ctx context.Context) (story.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.origin == nil {
		snap, err := c.tree.Read(ctx)
		if err != nil {
			return story.Snapshot{}, err
		}
		c.origin = &snap
	}
	return c.origin.Clone(), nil
}

// Current returns the after-patch snapshot, recomputing it from the tree
// when the cache is invalid.
func (c *Cache) Current(ctx context.Context) (story.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(ctx)
}

func (c *Cache) currentLocked(ctx context.Context) (story.Snapshot, error) {
	if c.current == nil {
		snap, err := c.tree.Read(ctx)
		if err != nil {
			return story.Snapshot{}, err
		}
		c.current = &snap
	}
	return c.current.Clone(), nil
}

// Invalidate marks the after-patch snapshot stale. The next Current call
// re-reads the tree.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Refresh invalidates and immediately recomputes the after-patch snapshot,
// returning the fresh copy.
func (c *Cache) Refresh(ctx context.Context) (story.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	return c.currentLocked(ctx)
}

// Reset drops both snapshots, origin included. For callers that replace the
// underlying tree wholesale, such as a story file reload; the next access
// re-reads and re-pins from the new tree.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.origin = nil
	c.current = nil
	c.mu.Unlock()
}
