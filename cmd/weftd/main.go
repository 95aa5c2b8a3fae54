// CLAUDE:SUMMARY Entry point for weftd, the dev daemon serving the patched story with catalog and file re-patch triggers.

// Command weftd serves a story HTML file with the library's enabled mods
// patched in, re-patching when the mod catalog or the files on disk change.
//
// Configuration comes from the environment:
//
//	WEFT_STORY=stories/index.html weftd
//	WEFT_ADDR=:8990 WEFT_LIBRARY=weft.db WEFT_STORY=index.html weftd
//
// Routes: GET /story (current patched HTML), POST /api/patch,
// GET /api/simulate, GET /api/status, GET /api/mods, GET /media/{mod}/*,
// GET /ws (live-reload hub), and MCP over streamable HTTP at /mcp.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/storyweft/weft/hooks"
	"github.com/storyweft/weft/modlib"
	"github.com/storyweft/weft/modpack"
	"github.com/storyweft/weft/patch"
	"github.com/storyweft/weft/patchlog"
	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

const version = "0.1.0"

// Config is read from the environment.
type Config struct {
	Addr         string        `env:"WEFT_ADDR" envDefault:":8990"`
	Story        string        `env:"WEFT_STORY,required"`
	Library      string        `env:"WEFT_LIBRARY" envDefault:"weft.db"`
	Audit        string        `env:"WEFT_AUDIT" envDefault:"weft-log.db"`
	LogLevel     string        `env:"WEFT_LOG_LEVEL" envDefault:"info"`
	WatchCatalog bool          `env:"WEFT_WATCH_CATALOG" envDefault:"true"`
	WatchFiles   bool          `env:"WEFT_WATCH_FILES" envDefault:"true"`
	CatalogPoll  time.Duration `env:"WEFT_CATALOG_POLL" envDefault:"1s"`
	Debounce     time.Duration `env:"WEFT_DEBOUNCE" envDefault:"300ms"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("weftd: config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("weftd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	lib, err := modlib.Open(cfg.Library, modlib.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer lib.Close()

	rec, err := patchlog.Open(cfg.Audit, patchlog.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer rec.Close()

	doc, err := storydom.ParseFile(cfg.Story)
	if err != nil {
		return fmt.Errorf("parse story %s: %w", cfg.Story, err)
	}

	s := newServer(cfg, logger, lib, rec, doc)
	defer s.close()

	go s.hub.run(ctx)
	go s.patchLoop(ctx)

	if _, err := s.requestPatch(ctx, "startup", false); err != nil {
		logger.Warn("weftd: initial patch failed, serving the story as parsed", "error", err)
	}

	if cfg.WatchCatalog {
		s.watch = lib.Watcher(modlib.WatchOptions{Interval: cfg.CatalogPoll, Debounce: cfg.Debounce})
		go s.watch.OnChange(ctx, func(ctx context.Context) error {
			_, err := s.requestPatch(ctx, "catalog", false)
			return err
		})
	}
	if cfg.WatchFiles {
		go s.watchFiles(ctx)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "weftd",
		Version: version,
	}, nil)
	s.orch.RegisterMCP(mcpSrv, lib.Entries)
	lib.RegisterMCP(mcpSrv)
	mcpHandler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return mcpSrv },
		nil,
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /ws connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("weftd: serving", "addr", cfg.Addr, "story", cfg.Story)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("weftd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("weftd: shutdown", "error", err)
	}
	return nil
}

// --- Server ---

// server wires the library, the orchestrator, the hub, and the media set
// behind the HTTP surface. All patching funnels through patchLoop.
type server struct {
	cfg   Config
	log   *slog.Logger
	lib   *modlib.Library
	rec   *patchlog.Recorder
	tree  *liveTree
	orch  *patch.Orchestrator
	em    *hooks.Emitter
	hub   *hub
	watch *modlib.Watcher

	patchCh chan patchRequest
	rootsCh chan struct{}

	mu      sync.RWMutex
	bundles []*modpack.Bundle
}

func newServer(cfg Config, logger *slog.Logger, lib *modlib.Library, rec *patchlog.Recorder, doc *storydom.Document) *server {
	s := &server{
		cfg:     cfg,
		log:     logger,
		lib:     lib,
		rec:     rec,
		tree:    &liveTree{doc: doc},
		hub:     newHub(logger),
		patchCh: make(chan patchRequest),
		rootsCh: make(chan struct{}, 1),
	}
	s.em = hooks.New(hooks.WithLogger(logger))
	s.em.AddMediaResolver(s.bundleMedia)
	s.em.OnAfter("live-reload", func(ctx context.Context, out patch.Outcome) error {
		if out.Completed() {
			s.hub.broadcastReload(out)
		}
		return nil
	})
	s.orch = patch.New(s.tree, patch.WithLogger(logger), patch.WithRecorder(rec), patch.WithHooks(s.em))
	return s
}

func (s *server) close() {
	s.orch.Close()
	s.setBundles(nil)
}

func (s *server) routes(mcpHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/story", s.handleStory)
	r.Get("/ws", s.hub.serveWS)
	r.Get("/media/{mod}/*", s.handleMedia)

	r.Route("/api", func(r chi.Router) {
		r.Post("/patch", s.handlePatch)
		r.Get("/simulate", s.handleSimulate)
		r.Get("/status", s.handleStatus)
		r.Get("/mods", s.handleMods)
	})

	r.Handle("/mcp", mcpHandler)
	return r
}

// --- Patch pipeline plumbing ---

type patchRequest struct {
	reason string
	reload bool
	reply  chan patchReply
}

type patchReply struct {
	out patch.Outcome
	err error
}

// patchLoop is the single flight: every trigger source funnels its request
// here and the loop runs them one at a time.
func (s *server) patchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.patchCh:
			var rep patchReply
			if req.reload {
				rep.err = s.reloadStory()
			}
			if rep.err == nil {
				rep.out, rep.err = s.patchOnce(ctx, req.reason)
			}
			req.reply <- rep
		}
	}
}

// requestPatch queues one patch run and waits for its outcome. reload forces
// a re-parse of the story file first, dropping the pinned origin.
func (s *server) requestPatch(ctx context.Context, reason string, reload bool) (patch.Outcome, error) {
	req := patchRequest{reason: reason, reload: reload, reply: make(chan patchReply, 1)}
	select {
	case s.patchCh <- req:
	case <-ctx.Done():
		return patch.Outcome{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.out, rep.err
	case <-ctx.Done():
		return patch.Outcome{}, ctx.Err()
	}
}

func (s *server) patchOnce(ctx context.Context, reason string) (patch.Outcome, error) {
	s.log.Info("weftd: patch trigger", "reason", reason)

	bundles, err := s.lib.Bundles(ctx)
	if err != nil {
		return patch.Outcome{}, fmt.Errorf("load bundles: %w", err)
	}
	entries := make([]story.ModEntry, len(bundles))
	for i, b := range bundles {
		entries[i] = b.Entry
	}

	out, err := s.orch.Patch(ctx, entries)
	if err != nil {
		closeBundles(bundles)
		return out, err
	}

	// The fresh bundles become the media set; the file watcher picks up any
	// newly installed bundle paths.
	s.setBundles(bundles)
	select {
	case s.rootsCh <- struct{}{}:
	default:
	}
	return out, nil
}

// reloadStory re-parses the story file and re-pins the snapshot cache, so
// the next patch starts from the file's current pristine content.
func (s *server) reloadStory() error {
	doc, err := storydom.ParseFile(s.cfg.Story)
	if err != nil {
		return fmt.Errorf("reload story: %w", err)
	}
	s.tree.replace(doc)
	s.orch.Cache().Reset()
	s.log.Info("weftd: story reloaded from disk", "story", s.cfg.Story, "name", doc.StoryName())
	return nil
}

func (s *server) setBundles(bs []*modpack.Bundle) {
	s.mu.Lock()
	old := s.bundles
	s.bundles = bs
	s.mu.Unlock()
	closeBundles(old)
}

func closeBundles(bs []*modpack.Bundle) {
	for _, b := range bs {
		b.Close()
	}
}

// bundleMedia resolves /media paths of the form <mod>/<relpath> from the
// currently loaded bundles. Only files the manifest declares are served.
func (s *server) bundleMedia(_ context.Context, p string) (io.ReadCloser, bool) {
	mod, rel, ok := strings.Cut(p, "/")
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles {
		if b.Manifest.Name != mod {
			continue
		}
		if !slices.Contains(b.Manifest.Media, rel) {
			return nil, false
		}
		f, err := b.Media.Open(rel)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

// --- File watching ---

// watchFiles re-patches when the story file or an installed bundle changes
// on disk. Events are debounced into one patch request; a story file event
// additionally forces a document reload.
func (s *server) watchFiles(ctx context.Context) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Error("weftd: file watch unavailable", "error", err)
		return
	}
	defer fw.Close()

	absStory, err := filepath.Abs(s.cfg.Story)
	if err != nil {
		s.log.Error("weftd: resolve story path", "error", err)
		return
	}
	storyDir := filepath.Dir(absStory)
	if err := fw.Add(storyDir); err != nil {
		s.log.Error("weftd: watch story dir", "dir", storyDir, "error", err)
	}

	roots := make(map[string]bool)
	refresh := func() {
		mods, err := s.lib.List(ctx)
		if err != nil {
			s.log.Warn("weftd: list mods for file watch", "error", err)
			return
		}
		for _, m := range mods {
			if roots[m.Path] {
				continue
			}
			if err := addWatchPath(fw, m.Path); err != nil {
				s.log.Warn("weftd: watch bundle", "path", m.Path, "error", err)
				continue
			}
			roots[m.Path] = true
		}
	}
	refresh()
	s.log.Info("weftd: watching files", "story", absStory, "bundles", len(roots))

	underRoot := func(p string) bool {
		for r := range roots {
			if p == r || strings.HasPrefix(p, r+string(os.PathSeparator)) {
				return true
			}
		}
		return false
	}

	debounce := s.cfg.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
		reload  bool
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-s.rootsCh:
			refresh()

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			p, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			switch {
			case p == absStory:
				reload = true
			case underRoot(p):
				// Bundle content changed; re-patch without a reload.
			default:
				// Unrelated neighbor in the story's directory.
				continue
			}

			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timerCh:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			doReload := reload
			reload = false
			if _, err := s.requestPatch(ctx, "files", doReload); err != nil && ctx.Err() == nil {
				s.log.Error("weftd: file change patch failed", "error", err)
			}
			refresh()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			s.log.Warn("weftd: file watch", "error", err)
		}
	}
}

// addWatchPath watches a file directly, or a directory tree recursively.
func addWatchPath(fw *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fw.Add(p)
	})
}

// --- HTTP handlers ---

func (s *server) handleStory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tree.render(w); err != nil {
		s.log.Error("weftd: render story", "error", err)
	}
}

func (s *server) handlePatch(w http.ResponseWriter, r *http.Request) {
	reload := r.URL.Query().Get("reload") == "1"
	out, err := s.requestPatch(r.Context(), "api", reload)
	switch {
	case errors.Is(err, patch.ErrPatchInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lib.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	report, err := s.orch.Simulate(r.Context(), entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type statusPayload struct {
	State     string             `json:"state"`
	Story     string             `json:"story"`
	StoryName string             `json:"story_name"`
	Last      *patch.Outcome     `json:"last,omitempty"`
	Watch     *modlib.WatchStats `json:"watch,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := statusPayload{
		State:     s.orch.State().String(),
		Story:     s.cfg.Story,
		StoryName: s.tree.storyName(),
	}
	if last, ok := s.orch.Last(); ok {
		st.Last = &last
	}
	if s.watch != nil {
		stats := s.watch.Stats()
		st.Watch = &stats
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleMods(w http.ResponseWriter, r *http.Request) {
	mods, err := s.lib.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *server) handleMedia(w http.ResponseWriter, r *http.Request) {
	mod := chi.URLParam(r, "mod")
	rest := chi.URLParam(r, "*")
	rc, ok := s.em.ResolveMedia(r.Context(), mod+"/"+rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(path.Ext(rest)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("weftd: media copy", "path", mod+"/"+rest, "error", err)
	}
}

// --- Live tree ---

// liveTree is the daemon's stable storydom.Tree. The orchestrator holds it
// for the whole process; story file reloads swap the document underneath.
type liveTree struct {
	mu  sync.RWMutex
	doc *storydom.Document
}

func (t *liveTree) Read(ctx context.Context) (story.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doc.Read(ctx)
}

func (t *liveTree) Swap(ctx context.Context, styles, scripts string, passages []story.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Swap(ctx, styles, scripts, passages)
}

func (t *liveTree) Counts(ctx context.Context) (storydom.Counts, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doc.Counts(ctx)
}

// render serializes the current document. Read-locked so an in-flight swap
// cannot rewrite nodes mid-render.
func (t *liveTree) render(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doc.Render(w)
}

func (t *liveTree) storyName() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doc.StoryName()
}

func (t *liveTree) replace(doc *storydom.Document) {
	t.mu.Lock()
	t.doc = doc
	t.mu.Unlock()
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
