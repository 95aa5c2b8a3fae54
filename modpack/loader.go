// CLAUDE:SUMMARY Bundle loader: mod.yaml + content files from a directory or zip into a ModEntry.

// Package modpack loads mod bundles from disk. A bundle is a directory (or
// zip archive) with a mod.yaml manifest at its root naming the script,
// style, twee passage, Lua patcher, and media files it ships. Loading
// produces the story.ModEntry the patch pipeline consumes, plus a content
// digest for the catalog.
//
// Every manifest path is resolved with a traversal guard: absolute paths
// and ".." escapes are rejected, for zip entries too.
package modpack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/zeebo/blake3"

	"github.com/storyweft/weft/story"
)

// Bundle is one loaded mod.
type Bundle struct {
	Manifest Manifest
	Entry    story.ModEntry

	// Digest is a blake3 hex digest of the manifest and content files.
	// Media files are existence-checked but not hashed.
	Digest string

	// Dir is the bundle root on disk; Media serves files relative to it.
	Dir   string
	Media fs.FS

	tmp string
}

// Close releases the extraction directory of a zip-loaded bundle. A no-op
// for directory bundles.
func (b *Bundle) Close() error {
	if b.tmp == "" {
		return nil
	}
	dir := b.tmp
	b.tmp = ""
	return os.RemoveAll(dir)
}

// Loader loads bundles. Safe for concurrent use.
type Loader struct {
	log      *slog.Logger
	sanitize *bluemonday.Policy
}

// Option customises a Loader.
type Option func(*Loader)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.log = l }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	ld := &Loader{sanitize: bluemonday.UGCPolicy()}
	for _, opt := range opts {
		opt(ld)
	}
	if ld.log == nil {
		ld.log = slog.Default()
	}
	return ld
}

// Load loads the bundle at p, directory or zip.
func (ld *Loader) Load(ctx context.Context, p string) (*Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("modpack: stat bundle: %w", err)
	}
	if info.IsDir() {
		return ld.LoadDir(ctx, p)
	}
	return ld.LoadZip(ctx, p)
}

// LoadDir loads the bundle rooted at dir.
func (ld *Loader) LoadDir(ctx context.Context, dir string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifest, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("modpack: read manifest: %w", err)
	}
	m, err := ParseManifest(manifest)
	if err != nil {
		return nil, err
	}

	snap := story.Snapshot{SourceLabel: m.Name}

	var canon bytes.Buffer
	canon.Write(manifest)
	read := func(rel string) ([]byte, error) {
		p, err := safeJoin(dir, rel)
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("modpack: read %s: %w", rel, err)
		}
		canon.WriteString(rel)
		canon.WriteByte(0)
		canon.Write(content)
		canon.WriteByte(0)
		return content, nil
	}

	for _, rel := range m.Scripts {
		content, err := read(rel)
		if err != nil {
			return nil, err
		}
		snap.Scripts = append(snap.Scripts, story.Record{Name: baseName(rel), Content: string(content)})
	}
	for _, rel := range m.Styles {
		content, err := read(rel)
		if err != nil {
			return nil, err
		}
		snap.Styles = append(snap.Styles, story.Record{Name: baseName(rel), Content: string(content)})
	}
	for _, rel := range m.Passages {
		content, err := read(rel)
		if err != nil {
			return nil, err
		}
		recs := ParsePassages(string(content))
		if m.Sanitize {
			for i := range recs {
				recs[i].Content = ld.sanitize.Sanitize(recs[i].Content)
			}
		}
		snap.Passages = append(snap.Passages, recs...)
	}

	var patchers []story.Transform
	for _, rel := range m.Patchers {
		content, err := read(rel)
		if err != nil {
			return nil, err
		}
		name := baseName(rel)
		if err := CheckPatcher(string(content)); err != nil {
			// Kept anyway: the pipeline reports it per-transform at patch
			// time and keeps going.
			ld.log.Warn("modpack: patcher does not compile",
				"mod", m.Name, "patcher", name, "error", err)
		}
		patchers = append(patchers, NewLuaTransform(name, string(content)))
	}

	for _, rel := range m.Media {
		p, err := safeJoin(dir, rel)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("modpack: media %s: %w", rel, err)
		}
	}

	sum := blake3.Sum256(canon.Bytes())
	return &Bundle{
		Manifest: m,
		Entry:    story.ModEntry{Name: m.Name, Snapshot: snap, Patchers: patchers},
		Digest:   hex.EncodeToString(sum[:]),
		Dir:      dir,
		Media:    os.DirFS(dir),
	}, nil
}

// LoadZip extracts the archive to a temporary directory and loads it. Call
// Bundle.Close to release the extraction.
func (ld *Loader) LoadZip(ctx context.Context, zipPath string) (*Bundle, error) {
	tmp, err := os.MkdirTemp("", "weft-mod-*")
	if err != nil {
		return nil, fmt.Errorf("modpack: temp dir: %w", err)
	}
	if err := extractZip(zipPath, tmp); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	b, err := ld.LoadDir(ctx, tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	b.tmp = tmp
	return b, nil
}

func extractZip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("modpack: open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("modpack: extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("modpack: extract %s: %w", f.Name, err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("modpack: extract %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return fmt.Errorf("modpack: extract %s: %w", f.Name, err)
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("modpack: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

// safeJoin joins rel onto base, rejecting absolute paths and any escape
// from base.
func safeJoin(base, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	joined := filepath.Join(base, filepath.Clean("/"+filepath.FromSlash(rel)))
	root := filepath.Clean(base)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return joined, nil
}

func baseName(rel string) string {
	return path.Base(filepath.ToSlash(rel))
}
