// CLAUDE:SUMMARY Catalog change watcher: PRAGMA data_version poll with debounce.

package modlib

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// WatchOptions tunes the catalog watcher.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// action fires; further changes during the window reset the timer.
	// 0 fires immediately. Default: 0.
	Debounce time.Duration
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
}

// WatchStats are point-in-time watcher counters.
type WatchStats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// Watcher polls the catalog database and runs an action when it changes.
// Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	log  *slog.Logger
	opts WatchOptions

	// detect reads the version token; overridable in tests.
	detect func(ctx context.Context, db *sql.DB) (int64, error)

	version  atomic.Int64
	checks   atomic.Int64
	changes  atomic.Int64
	errs     atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Watcher returns a watcher over the library's database. Call OnChange to
// start the loop.
func (l *Library) Watcher(opts WatchOptions) *Watcher {
	opts.defaults()
	return &Watcher{db: l.db, log: l.log, opts: opts, detect: dataVersion}
}

// Watch is the one-call form: poll with default options until ctx ends.
func (l *Library) Watch(ctx context.Context, action func(context.Context) error) {
	l.Watcher(WatchOptions{}).OnChange(ctx, action)
}

// Stats returns the current counters.
func (w *Watcher) Stats() WatchStats {
	s := WatchStats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errs.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// OnChange blocks until ctx is cancelled, polling at the configured
// interval. When the catalog's version token moves and the debounce window
// passes without further movement, action runs.
//
// If action returns an error the observed version is not advanced, so the
// action retries on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	v, err := w.detect(ctx, w.db)
	if err != nil {
		w.log.Warn("modlib: initial watch check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	w.log.Info("modlib: watch started",
		"interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("modlib: watch stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx, w.db)
			if err != nil {
				w.errs.Add(1)
				w.log.Warn("modlib: watch check failed", "error", err)
				continue
			}
			if cur != w.version.Load() && cur != pending {
				w.changes.Add(1)
				pending = cur

				if w.opts.Debounce <= 0 {
					w.fire(ctx, action, pending)
					pending = -1
				} else {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					w.log.Debug("modlib: catalog changed, debouncing", "pending_version", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errs.Add(1)
		w.log.Error("modlib: watch action failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.version.Store(ver)
	w.log.Info("modlib: catalog reloaded", "version", ver, "duration", elapsed)
}

// dataVersion reads PRAGMA data_version, which moves whenever another
// connection writes the database file. The pool means the library's own
// writes usually land on a different connection than the poll, so
// in-process catalog changes are seen too.
func dataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
