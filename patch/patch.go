// CLAUDE:SUMMARY Patch orchestrator: merge mods, apply patchers, swap the render tree, refresh the cache.

// Package patch sequences the merge-and-patch pipeline against a render
// tree: fold the enabled mods with merge.Normal, reconcile onto the
// after-patch baseline with merge.Replace, run each mod's replace-patchers,
// then swap the tree and refresh the baseline cache.
//
// The pipeline is a small state machine (see State) with one invariant the
// rest of weft relies on: only this package mutates the tree, and never two
// sessions at once. A second Patch call while one is in flight is rejected
// with ErrPatchInProgress.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/storyweft/weft/idgen"
	"github.com/storyweft/weft/merge"
	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

// Hooks receives lifecycle notifications around a patch session. hooks.Emitter
// implements this; implementations must swallow their own errors.
type Hooks interface {
	Before(ctx context.Context, mods []string)
	After(ctx context.Context, outcome Outcome)
}

// Recorder receives audit events during a session. patchlog.Recorder
// implements this; implementations must not fail the pipeline (log, don't
// return).
type Recorder interface {
	Begin(ctx context.Context, sessionID string, mods []string)
	Conflicts(ctx context.Context, sessionID string, conflicts merge.Conflicts)
	TransformFailure(ctx context.Context, sessionID string, result TransformResult)
	Structural(ctx context.Context, sessionID string, finding string)
	End(ctx context.Context, outcome Outcome, err error)
}

// Orchestrator owns the render tree, the snapshot cache, and the in-progress
// guard. Create one per tree with New.
type Orchestrator struct {
	tree  storydom.Tree
	cache *Cache
	log   *slog.Logger
	hooks Hooks
	rec   Recorder
	ids   idgen.Generator

	inFlight atomic.Bool
	state    atomic.Int32
	closed   atomic.Bool
	last     atomic.Pointer[Outcome]
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithHooks sets the lifecycle hook emitter. Default: none.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithRecorder sets the audit recorder. Default: none.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// WithIDs sets the session id generator. Default: idgen.Default.
func WithIDs(g idgen.Generator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// New creates an Orchestrator over tree.
func New(tree storydom.Tree, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tree:  tree,
		cache: NewCache(tree),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.ids == nil {
		o.ids = idgen.Default
	}
	return o
}

// Cache exposes the orchestrator's snapshot cache for read-side consumers
// (status, export, simulation).
func (o *Orchestrator) Cache() *Cache { return o.cache }

// State returns the current pipeline state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Last returns the outcome of the most recent session, if any.
func (o *Orchestrator) Last() (Outcome, bool) {
	p := o.last.Load()
	if p == nil {
		return Outcome{}, false
	}
	return *p, true
}

// Close marks the orchestrator as torn down. A session already in flight
// runs to completion; new Patch calls return ErrClosed.
func (o *Orchestrator) Close() {
	o.closed.Store(true)
}

// Patch runs one full pipeline pass over mods, in the given order. The order
// is authoritative; entries are never reordered here.
//
// All merge conflicts, transform failures, and structural findings are
// non-fatal and land in the Outcome. Patch returns a non-nil error only for
// guard rejection (ErrPatchInProgress, ErrClosed), context cancellation
// before the tree swap begins, or a tree read/swap failure that prevents any
// consistent result. Once SwappingTree is entered the session runs to
// completion regardless of ctx.
func (o *Orchestrator) Patch(ctx context.Context, mods []story.ModEntry) (Outcome, error) {
	if o.closed.Load() {
		return Outcome{}, ErrClosed
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, ErrPatchInProgress
	}
	defer o.inFlight.Store(false)
	defer o.state.Store(int32(StateIdle))

	out := Outcome{
		SessionID: o.ids(),
		Mods:      modNames(mods),
		Started:   time.Now(),
	}
	o.log.Info("patch: session started", "session", out.SessionID, "mods", len(mods))
	if o.rec != nil {
		o.rec.Begin(ctx, out.SessionID, out.Mods)
	}
	if o.hooks != nil {
		o.hooks.Before(ctx, out.Mods)
	}

	err := o.run(ctx, mods, &out)
	out.Duration = time.Since(out.Started)

	if err != nil {
		o.log.Error("patch: session failed",
			"session", out.SessionID, "state", out.State.String(), "error", err)
	} else {
		o.log.Info("patch: session complete",
			"session", out.SessionID,
			"conflicts", out.Conflicts.Total(),
			"transforms_failed", out.Transforms.Failed(),
			"valid", out.Valid(),
			"duration", out.Duration)
	}
	if o.rec != nil {
		o.rec.End(ctx, out, err)
	}
	if o.hooks != nil {
		o.hooks.After(ctx, out)
	}
	o.last.Store(&out)
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, mods []story.ModEntry, out *Outcome) error {
	o.transition(StateMergingMods, out)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Origin is pinned before anything can rewrite the tree.
	if _, err := o.cache.Origin(ctx); err != nil {
		return fmt.Errorf("patch: capture origin: %w", err)
	}

	snaps := make([]story.Snapshot, len(mods))
	for i, m := range mods {
		snaps[i] = m.Snapshot
	}
	merged := merge.Normal(snaps...)
	out.Conflicts = merged.Conflicts
	if !merged.Conflicts.Empty() {
		for _, k := range story.Kinds {
			for _, name := range merged.Conflicts.Kind(k) {
				o.log.Warn("patch: merge conflict",
					"session", out.SessionID, "kind", k.String(), "name", name)
			}
		}
		if o.rec != nil {
			o.rec.Conflicts(ctx, out.SessionID, merged.Conflicts)
		}
	}

	base, err := o.cache.Current(ctx)
	if err != nil {
		return fmt.Errorf("patch: read baseline: %w", err)
	}
	patched := merge.Replace(base, merged.Merged)

	o.transition(StateApplyingPatchers, out)
	if err := ctx.Err(); err != nil {
		return err
	}
	out.Transforms = o.applyPatchers(ctx, mods, &patched, out.SessionID)

	sortScripts(patched.Scripts)

	if counts, cerr := o.tree.Counts(ctx); cerr != nil {
		o.log.Warn("patch: node count check failed", "session", out.SessionID, "error", cerr)
	} else if !counts.WellFormed() {
		se := &StructuralError{Counts: counts}
		out.Structural = append(out.Structural, se.Error())
		o.log.Error("patch: tree shape mismatch",
			"session", out.SessionID,
			"styles", counts.Styles, "scripts", counts.Scripts, "passages", counts.Passages)
		if o.rec != nil {
			o.rec.Structural(ctx, out.SessionID, se.Error())
		}
	}

	// Last cancellation point. From SwappingTree on, the session must run
	// to completion so the tree and the cache stay consistent.
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	o.transition(StateSwappingTree, out)
	styles := storydom.CombineStyles(patched.Styles)
	scripts := storydom.CombineScripts(patched.Scripts)
	if err := o.tree.Swap(ctx, styles, scripts, patched.Passages); err != nil {
		return fmt.Errorf("patch: swap tree: %w", err)
	}

	o.transition(StateCacheInvalidated, out)
	snap, err := o.cache.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("patch: refresh after-patch cache: %w", err)
	}
	out.Snapshot = snap
	return nil
}

// applyPatchers runs every mod's transforms in declared order, folding each
// into the report. Failures are recorded and the loop keeps going.
func (o *Orchestrator) applyPatchers(ctx context.Context, mods []story.ModEntry, snap *story.Snapshot, sessionID string) TransformReport {
	var report TransformReport
	for _, m := range mods {
		for _, tr := range m.Patchers {
			res := TransformResult{Mod: m.Name, Transform: tr.Name}
			if err := applyTransform(ctx, m.Name, tr, snap); err != nil {
				res.Error = err.Error()
				o.log.Error("patch: transform failed",
					"session", sessionID, "mod", m.Name, "transform", tr.Name, "error", err)
				if o.rec != nil {
					o.rec.TransformFailure(ctx, sessionID, res)
				}
			}
			report = append(report, res)
		}
	}
	return report
}

// applyTransform applies one transform in place, converting errors and
// panics into a *TransformError.
func applyTransform(ctx context.Context, mod string, tr story.Transform, snap *story.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TransformError{Mod: mod, Transform: tr.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if tr.Apply == nil {
		return nil
	}
	if aerr := tr.Apply(ctx, snap); aerr != nil {
		return &TransformError{Mod: mod, Transform: tr.Name, Err: aerr}
	}
	return nil
}

// sortScripts applies the deterministic output rule for scripts: records
// with a well-formed non-negative integer id first, ascending by id, then
// the id-less records in their existing order. Stable in both groups.
func sortScripts(recs []story.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ni, iok := recs[i].NumericID()
		nj, jok := recs[j].NumericID()
		switch {
		case iok && jok:
			return ni < nj
		case iok:
			return true
		default:
			return false
		}
	})
}

// Simulate reports what patching mods would do to the current baseline,
// without touching the tree or the cache state. Safe to call any number of
// times, including while a patch is in flight.
func (o *Orchestrator) Simulate(ctx context.Context, mods []story.ModEntry) (merge.Report, error) {
	base, err := o.cache.Current(ctx)
	if err != nil {
		return merge.Report{}, fmt.Errorf("patch: read baseline: %w", err)
	}
	snaps := make([]story.Snapshot, len(mods))
	for i, m := range mods {
		snaps[i] = m.Snapshot
	}
	return merge.Simulate(base, snaps...), nil
}

func (o *Orchestrator) transition(s State, out *Outcome) {
	o.state.Store(int32(s))
	out.State = s
	o.log.Debug("patch: state", "session", out.SessionID, "state", s.String())
}

func modNames(mods []story.ModEntry) []string {
	if len(mods) == 0 {
		return nil
	}
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}
	return names
}
