// CLAUDE:SUMMARY Installed-mod catalog over sqlite: install, enable/disable, reorder, entries.

// Package modlib keeps the catalog of installed mod bundles and turns the
// enabled set into the ordered mod entries the patch pipeline consumes.
// The catalog is one sqlite table; bundle content stays on disk at the
// recorded path and is re-loaded through modpack on demand, so edits to a
// bundle take effect on the next load without reinstalling.
package modlib

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/storyweft/weft/dbopen"
	"github.com/storyweft/weft/idgen"
	"github.com/storyweft/weft/modpack"
	"github.com/storyweft/weft/story"
)

const schema = `
CREATE TABLE IF NOT EXISTS mods (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	version      TEXT NOT NULL,
	digest       TEXT NOT NULL,
	path         TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 1,
	load_order   INTEGER NOT NULL,
	installed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS mods_load_order ON mods(load_order);
`

var (
	// ErrModNotFound reports an operation on a name the catalog does not hold.
	ErrModNotFound = errors.New("modlib: mod not found")
	// ErrDuplicateMod reports an install whose name is already held by a
	// bundle at a different path.
	ErrDuplicateMod = errors.New("modlib: mod already installed from a different path")
	// ErrBadOrder reports a Reorder call that is not a permutation of the
	// installed set.
	ErrBadOrder = errors.New("modlib: order must name every installed mod exactly once")
)

// Mod is one catalog row.
type Mod struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Digest      string    `json:"digest"`
	Path        string    `json:"path"`
	Enabled     bool      `json:"enabled"`
	LoadOrder   int       `json:"load_order"`
	InstalledAt time.Time `json:"installed_at"`
}

const modColumns = "id, name, version, digest, path, enabled, load_order, installed_at"

// Library is the mod catalog. Safe for concurrent use.
type Library struct {
	db     *sql.DB
	log    *slog.Logger
	loader *modpack.Loader
	ids    idgen.Generator
	ownsDB bool
}

// Option customises a Library.
type Option func(*Library)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) { lib.log = l }
}

// WithIDs sets the row id generator. Default: idgen.Default.
func WithIDs(gen idgen.Generator) Option {
	return func(lib *Library) { lib.ids = gen }
}

// WithLoader sets the bundle loader. Default: a loader sharing the
// library's logger.
func WithLoader(ld *modpack.Loader) Option {
	return func(lib *Library) { lib.loader = ld }
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, opts ...Option) (*Library, error) {
	db, err := dbopen.Open(path, dbopen.WithSchema(schema), dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	lib := New(db, opts...)
	lib.ownsDB = true
	return lib, nil
}

// New wraps an existing database that already carries the catalog schema.
func New(db *sql.DB, opts ...Option) *Library {
	lib := &Library{db: db}
	for _, opt := range opts {
		opt(lib)
	}
	if lib.log == nil {
		lib.log = slog.Default()
	}
	if lib.ids == nil {
		lib.ids = idgen.Default
	}
	if lib.loader == nil {
		lib.loader = modpack.NewLoader(modpack.WithLogger(lib.log))
	}
	return lib
}

// Close closes the database when the library opened it. A Library built
// with New leaves the database to its owner.
func (l *Library) Close() error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}

// Install loads the bundle at bundlePath and records it. A new name goes to
// the end of the load order, enabled. Reinstalling from a mod's recorded
// path refreshes version and digest and keeps its enabled state and load
// order; a name already held by a different path is ErrDuplicateMod.
func (l *Library) Install(ctx context.Context, bundlePath string) (Mod, error) {
	abs, err := filepath.Abs(bundlePath)
	if err != nil {
		return Mod{}, fmt.Errorf("modlib: resolve %s: %w", bundlePath, err)
	}
	b, err := l.loader.Load(ctx, abs)
	if err != nil {
		return Mod{}, err
	}
	defer b.Close()

	name := b.Manifest.Name
	err = dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		var prevPath string
		err := tx.QueryRowContext(ctx,
			`SELECT path FROM mods WHERE name = ?`, name).Scan(&prevPath)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			var next int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(load_order)+1, 0) FROM mods`).Scan(&next); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO mods (`+modColumns+`) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
				l.ids(), name, b.Manifest.Version, b.Digest, abs, next, time.Now().UnixMilli())
			return err
		case err != nil:
			return err
		case prevPath != abs:
			return fmt.Errorf("%w: %s (installed from %s)", ErrDuplicateMod, name, prevPath)
		default:
			_, err := tx.ExecContext(ctx,
				`UPDATE mods SET version = ?, digest = ?, installed_at = ? WHERE name = ?`,
				b.Manifest.Version, b.Digest, time.Now().UnixMilli(), name)
			return err
		}
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateMod) {
			return Mod{}, err
		}
		return Mod{}, fmt.Errorf("modlib: install %s: %w", name, err)
	}
	l.log.Info("modlib: installed", "mod", name, "version", b.Manifest.Version)
	return l.Get(ctx, name)
}

// Get returns one mod by name.
func (l *Library) Get(ctx context.Context, name string) (Mod, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+modColumns+` FROM mods WHERE name = ?`, name)
	m, err := scanMod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mod{}, fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	if err != nil {
		return Mod{}, fmt.Errorf("modlib: get %s: %w", name, err)
	}
	return m, nil
}

// List returns every installed mod in load order.
func (l *Library) List(ctx context.Context) ([]Mod, error) {
	return l.selectMods(ctx, `SELECT `+modColumns+` FROM mods ORDER BY load_order, name`)
}

// Enabled returns the enabled mods in load order.
func (l *Library) Enabled(ctx context.Context) ([]Mod, error) {
	return l.selectMods(ctx, `SELECT `+modColumns+` FROM mods WHERE enabled = 1 ORDER BY load_order, name`)
}

// Enable marks the named mod enabled.
func (l *Library) Enable(ctx context.Context, name string) error {
	return l.setEnabled(ctx, name, true)
}

// Disable marks the named mod disabled. Disabled mods stay installed and
// keep their load order.
func (l *Library) Disable(ctx context.Context, name string) error {
	return l.setEnabled(ctx, name, false)
}

func (l *Library) setEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE mods SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("modlib: set enabled %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("modlib: set enabled %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	l.log.Info("modlib: toggled", "mod", name, "enabled", enabled)
	return nil
}

// Remove deletes the named mod from the catalog. Bundle files on disk are
// left alone.
func (l *Library) Remove(ctx context.Context, name string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM mods WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("modlib: remove %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("modlib: remove %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	l.log.Info("modlib: removed", "mod", name)
	return nil
}

// Reorder assigns load order following names, which must list every
// installed mod exactly once.
func (l *Library) Reorder(ctx context.Context, names []string) error {
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT name FROM mods`)
		if err != nil {
			return err
		}
		installed := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			installed[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(names) != len(installed) {
			return fmt.Errorf("%w: got %d names, have %d mods",
				ErrBadOrder, len(names), len(installed))
		}
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if !installed[name] || seen[name] {
				return fmt.Errorf("%w: %q", ErrBadOrder, name)
			}
			seen[name] = true
		}
		for i, name := range names {
			if _, err := tx.ExecContext(ctx,
				`UPDATE mods SET load_order = ? WHERE name = ?`, i, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBadOrder) {
			return err
		}
		return fmt.Errorf("modlib: reorder: %w", err)
	}
	l.log.Info("modlib: reordered", "mods", len(names))
	return nil
}

// Bundles loads every enabled bundle in load order and checks declared
// requirements across the set. The caller owns the bundles and must Close
// them.
func (l *Library) Bundles(ctx context.Context) ([]*modpack.Bundle, error) {
	mods, err := l.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	bundles := make([]*modpack.Bundle, 0, len(mods))
	closeAll := func() {
		for _, b := range bundles {
			b.Close()
		}
	}
	for _, m := range mods {
		b, err := l.loader.Load(ctx, m.Path)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("modlib: load %s: %w", m.Name, err)
		}
		if b.Digest != m.Digest {
			l.log.Warn("modlib: bundle changed on disk since install",
				"mod", m.Name, "path", m.Path)
		}
		b.Entry.LoadOrder = m.LoadOrder
		bundles = append(bundles, b)
	}
	if err := modpack.CheckRequires(bundles); err != nil {
		closeAll()
		return nil, err
	}
	return bundles, nil
}

// Entries is Bundles flattened to the slice the patch pipeline consumes.
func (l *Library) Entries(ctx context.Context) ([]story.ModEntry, error) {
	bundles, err := l.Bundles(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]story.ModEntry, len(bundles))
	for i, b := range bundles {
		entries[i] = b.Entry
		b.Close()
	}
	return entries, nil
}

func (l *Library) selectMods(ctx context.Context, query string) ([]Mod, error) {
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("modlib: list: %w", err)
	}
	defer rows.Close()

	var mods []Mod
	for rows.Next() {
		m, err := scanMod(rows)
		if err != nil {
			return nil, fmt.Errorf("modlib: list: %w", err)
		}
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("modlib: list: %w", err)
	}
	return mods, nil
}

func scanMod(row interface{ Scan(dest ...any) error }) (Mod, error) {
	var m Mod
	var installedAt int64
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.Digest, &m.Path,
		&m.Enabled, &m.LoadOrder, &installedAt)
	if err != nil {
		return Mod{}, err
	}
	m.InstalledAt = time.UnixMilli(installedAt)
	return m, nil
}
