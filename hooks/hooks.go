// CLAUDE:SUMMARY Before/after patch hook chains plus the media resolver chain.

// Package hooks wires extension points around the patch pipeline: named
// before/after callbacks invoked in registration order, and a media
// resolver chain for serving mod-shipped assets. A failing or panicking
// hook is logged and the chain continues, the same policy the pipeline
// applies to transforms.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/storyweft/weft/patch"
)

// BeforeFunc runs ahead of a patch with the mod names about to merge.
type BeforeFunc func(ctx context.Context, mods []string) error

// AfterFunc runs once a patch finishes, failed or not.
type AfterFunc func(ctx context.Context, outcome patch.Outcome) error

// MediaResolver maps a mod-relative media path to content. ok is false
// when this resolver does not carry the path.
type MediaResolver func(ctx context.Context, path string) (rc io.ReadCloser, ok bool)

type namedBefore struct {
	name string
	fn   BeforeFunc
}

type namedAfter struct {
	name string
	fn   AfterFunc
}

// Emitter holds the registered chains. Safe for concurrent use; hooks
// registered while a patch is in flight join the next invocation.
type Emitter struct {
	log *slog.Logger

	mu        sync.RWMutex
	before    []namedBefore
	after     []namedAfter
	resolvers []MediaResolver
}

var _ patch.Hooks = (*Emitter)(nil)

// Option customises an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.log = l }
}

// New creates an empty Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// OnBefore appends a named before-hook.
func (e *Emitter) OnBefore(name string, fn BeforeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.before = append(e.before, namedBefore{name: name, fn: fn})
}

// OnAfter appends a named after-hook.
func (e *Emitter) OnAfter(name string, fn AfterFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.after = append(e.after, namedAfter{name: name, fn: fn})
}

// Before runs the before chain in registration order.
func (e *Emitter) Before(ctx context.Context, mods []string) {
	e.mu.RLock()
	chain := make([]namedBefore, len(e.before))
	copy(chain, e.before)
	e.mu.RUnlock()

	for _, h := range chain {
		if err := guard(func() error { return h.fn(ctx, mods) }); err != nil {
			e.log.Error("hooks: before hook failed", "hook", h.name, "error", err)
		}
	}
}

// After runs the after chain in registration order.
func (e *Emitter) After(ctx context.Context, outcome patch.Outcome) {
	e.mu.RLock()
	chain := make([]namedAfter, len(e.after))
	copy(chain, e.after)
	e.mu.RUnlock()

	for _, h := range chain {
		if err := guard(func() error { return h.fn(ctx, outcome) }); err != nil {
			e.log.Error("hooks: after hook failed", "hook", h.name, "error", err)
		}
	}
}

// AddMediaResolver appends a resolver to the media chain.
func (e *Emitter) AddMediaResolver(fn MediaResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers = append(e.resolvers, fn)
}

// ResolveMedia walks the resolver chain in registration order; the first
// resolver carrying the path wins. ok is false when none do.
func (e *Emitter) ResolveMedia(ctx context.Context, path string) (io.ReadCloser, bool) {
	e.mu.RLock()
	chain := make([]MediaResolver, len(e.resolvers))
	copy(chain, e.resolvers)
	e.mu.RUnlock()

	for _, resolve := range chain {
		if rc, ok := resolve(ctx, path); ok {
			return rc, true
		}
	}
	return nil, false
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
