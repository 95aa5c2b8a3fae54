// CLAUDE:SUMMARY CLI entry point for weft: library management, patch/simulate runs, export, and the audit log.

// Command weft manages a library of story mods and patches them into a
// story HTML file.
//
// Usage:
//
//	weft install night-city.zip            # install a bundle (dir or zip)
//	weft list                              # show the library
//	weft patch --story index.html          # merge and patch the enabled mods
//	weft simulate --story index.html       # dry-run conflict report
//	weft export --story index.html --dir out
//	weft log --limit 5                     # recent patch sessions
//
// Results go to stdout; logs go to stderr. The patch command exits non-zero
// when the patched tree fails structural validation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	_ "modernc.org/sqlite"

	"github.com/storyweft/weft/export"
	"github.com/storyweft/weft/merge"
	"github.com/storyweft/weft/modlib"
	"github.com/storyweft/weft/patch"
	"github.com/storyweft/weft/patchlog"
	"github.com/storyweft/weft/story"
	"github.com/storyweft/weft/storydom"
)

const version = "0.1.0"

var logger = slog.Default()

// CLI defines the command-line interface for weft.
var CLI struct {
	// Global flags
	Library  string `help:"Mod library database path" default:"weft.db" type:"path"`
	Audit    string `help:"Patch audit log database path" default:"weft-log.db" type:"path"`
	LogLevel string `name:"log-level" help:"Log level: debug, info, warn, error" default:"warn" enum:"debug,info,warn,error"`

	Install  InstallCmd  `cmd:"" help:"Install a mod bundle (directory or zip) into the library"`
	List     ListCmd     `cmd:"" help:"List installed mods in load order"`
	Enable   EnableCmd   `cmd:"" help:"Enable a mod"`
	Disable  DisableCmd  `cmd:"" help:"Disable a mod"`
	Order    OrderCmd    `cmd:"" help:"Set the load order; must name every installed mod"`
	Remove   RemoveCmd   `cmd:"" help:"Remove a mod from the library"`
	Simulate SimulateCmd `cmd:"" help:"Dry-run the merge against a story and report conflicts"`
	Patch    PatchCmd    `cmd:"" help:"Merge and patch the enabled mods into a story file"`
	Export   ExportCmd   `cmd:"" help:"Export story passages as Markdown and JSON"`
	Log      LogCmd      `cmd:"" help:"Show recent patch sessions from the audit log"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

func openLibrary() (*modlib.Library, error) {
	lib, err := modlib.Open(CLI.Library, modlib.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open library %s: %w", CLI.Library, err)
	}
	return lib, nil
}

func openAudit() (*patchlog.Recorder, error) {
	rec, err := patchlog.Open(CLI.Audit, patchlog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", CLI.Audit, err)
	}
	return rec, nil
}

// InstallCmd installs a mod bundle into the library.
type InstallCmd struct {
	Bundle string `arg:"" help:"Bundle to install: a mod directory or a .zip archive" type:"path"`
}

func (c *InstallCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	m, err := lib.Install(context.Background(), c.Bundle)
	if err != nil {
		return fmt.Errorf("install %s: %w", c.Bundle, err)
	}
	fmt.Printf("Installed %s %s (order %d, digest %s)\n", m.Name, m.Version, m.LoadOrder, shortDigest(m.Digest))
	return nil
}

// ListCmd lists installed mods in load order.
type ListCmd struct{}

func (c *ListCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	mods, err := lib.List(context.Background())
	if err != nil {
		return fmt.Errorf("list mods: %w", err)
	}
	if len(mods) == 0 {
		fmt.Println("No mods installed.")
		return nil
	}

	fmt.Printf("%-3s %-24s %-10s %-8s %s\n", "#", "NAME", "VERSION", "ENABLED", "INSTALLED")
	fmt.Printf("%-3s %-24s %-10s %-8s %s\n", "-", "----", "-------", "-------", "---------")
	for _, m := range mods {
		enabled := "yes"
		if !m.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-3d %-24s %-10s %-8s %s\n",
			m.LoadOrder, m.Name, m.Version, enabled, m.InstalledAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d mods\n", len(mods))
	return nil
}

// EnableCmd enables a mod.
type EnableCmd struct {
	Mod string `arg:"" help:"Mod name"`
}

func (c *EnableCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Enable(context.Background(), c.Mod); err != nil {
		return fmt.Errorf("enable %s: %w", c.Mod, err)
	}
	fmt.Printf("Enabled %s\n", c.Mod)
	return nil
}

// DisableCmd disables a mod.
type DisableCmd struct {
	Mod string `arg:"" help:"Mod name"`
}

func (c *DisableCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Disable(context.Background(), c.Mod); err != nil {
		return fmt.Errorf("disable %s: %w", c.Mod, err)
	}
	fmt.Printf("Disabled %s\n", c.Mod)
	return nil
}

// OrderCmd rewrites the library load order.
type OrderCmd struct {
	Mods []string `arg:"" help:"Every installed mod name, in the desired load order"`
}

func (c *OrderCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Reorder(context.Background(), c.Mods); err != nil {
		return fmt.Errorf("reorder: %w", err)
	}
	fmt.Println("Load order:")
	for i, name := range c.Mods {
		fmt.Printf("  %d. %s\n", i, name)
	}
	return nil
}

// RemoveCmd removes a mod from the library.
type RemoveCmd struct {
	Mod string `arg:"" help:"Mod name"`
}

func (c *RemoveCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Remove(context.Background(), c.Mod); err != nil {
		return fmt.Errorf("remove %s: %w", c.Mod, err)
	}
	fmt.Printf("Removed %s (bundle files stay on disk)\n", c.Mod)
	return nil
}

// SimulateCmd dry-runs the merge against a story file.
type SimulateCmd struct {
	Story string `help:"Story HTML file" required:"" type:"existingfile"`
}

func (c *SimulateCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	ctx := context.Background()
	entries, err := lib.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load enabled mods: %w", err)
	}

	doc, err := storydom.ParseFile(c.Story)
	if err != nil {
		return fmt.Errorf("parse story: %w", err)
	}

	orch := patch.New(doc, patch.WithLogger(logger))
	report, err := orch.Simulate(ctx, entries)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	fmt.Printf("Simulating %d mods against %q\n\n", len(entries), storyName(doc))
	for _, k := range story.Kinds {
		d := report.Delta(k)
		fmt.Printf("  %-9s %d replaced, %d added\n", k.String()+"s:", d.Replaced, d.Added)
	}
	fmt.Println()
	printConflicts(report.Conflicts)
	return nil
}

// PatchCmd runs the full pipeline against a story file and writes the result.
type PatchCmd struct {
	Story string `help:"Story HTML file" required:"" type:"existingfile"`
	Out   string `help:"Write the patched HTML here instead of in place" type:"path"`
}

func (c *PatchCmd) Run() error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	rec, err := openAudit()
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx := context.Background()
	entries, err := lib.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load enabled mods: %w", err)
	}

	doc, err := storydom.ParseFile(c.Story)
	if err != nil {
		return fmt.Errorf("parse story: %w", err)
	}

	orch := patch.New(doc, patch.WithLogger(logger), patch.WithRecorder(rec))
	out, err := orch.Patch(ctx, entries)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	target := c.Out
	if target == "" {
		target = c.Story
	}
	if err := doc.WriteFile(target); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	printOutcome(out)
	fmt.Printf("Wrote %s\n", target)

	if !out.Valid() {
		return fmt.Errorf("story tree failed structural validation (%d findings)", len(out.Structural))
	}
	return nil
}

// ExportCmd writes the story's combined content as Markdown and JSON.
type ExportCmd struct {
	Story string `help:"Story HTML file" required:"" type:"existingfile"`
	Dir   string `help:"Output directory" required:"" type:"path"`
}

func (c *ExportCmd) Run() error {
	doc, err := storydom.ParseFile(c.Story)
	if err != nil {
		return fmt.Errorf("parse story: %w", err)
	}
	snap, err := doc.Read(context.Background())
	if err != nil {
		return fmt.Errorf("read story: %w", err)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.Dir, err)
	}

	exp := export.New()
	mdPath := filepath.Join(c.Dir, "story.md")
	if err := os.WriteFile(mdPath, []byte(exp.Markdown(snap)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", mdPath, err)
	}

	data, err := exp.JSON(snap)
	if err != nil {
		return err
	}
	jsonPath := filepath.Join(c.Dir, "story.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}

	fmt.Printf("Exported %d passages:\n", len(snap.Passages))
	fmt.Printf("  - %s\n", mdPath)
	fmt.Printf("  - %s\n", jsonPath)
	return nil
}

// LogCmd reads the patch audit log.
type LogCmd struct {
	Limit   int    `help:"How many sessions to show" default:"10"`
	Session string `help:"Show one session in full, with its recorded events"`
}

func (c *LogCmd) Run() error {
	rec, err := openAudit()
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx := context.Background()
	if c.Session != "" {
		s, err := rec.Session(ctx, c.Session)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		printSession(s)
		return nil
	}

	sessions, err := rec.Sessions(ctx, c.Limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No patch sessions recorded.")
		return nil
	}

	fmt.Printf("%-14s %-20s %-18s %s\n", "SESSION", "STARTED", "STATE", "MODS")
	fmt.Printf("%-14s %-20s %-18s %s\n", "-------", "-------", "-----", "----")
	for _, s := range sessions {
		fmt.Printf("%-14s %-20s %-18s %s\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.State, strings.Join(s.Mods, ", "))
	}
	fmt.Printf("\nTotal: %d sessions\n", len(sessions))
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("weft %s\n", version)
	return nil
}

func printConflicts(c merge.Conflicts) {
	if c.Empty() {
		fmt.Println("No conflicts.")
		return
	}
	fmt.Printf("Conflicts: %d (last mod in load order wins)\n", c.Total())
	for _, k := range story.Kinds {
		for _, name := range c.Kind(k) {
			fmt.Printf("  %-8s %s\n", k.String(), name)
		}
	}
}

func printOutcome(out patch.Outcome) {
	fmt.Printf("Session:  %s\n", out.SessionID)
	fmt.Printf("Mods:     %s\n", strings.Join(out.Mods, ", "))
	fmt.Printf("Duration: %s\n", out.Duration.Round(time.Millisecond))
	fmt.Println()
	printConflicts(out.Conflicts)
	printTransforms(out.Transforms)
	for _, finding := range out.Structural {
		fmt.Printf("STRUCTURAL: %s\n", finding)
	}
}

func printTransforms(report patch.TransformReport) {
	if len(report) == 0 {
		return
	}
	fmt.Printf("Transforms: %d applied, %d failed\n", len(report), report.Failed())
	for _, res := range report {
		status := "ok"
		if res.Failed() {
			status = "FAILED: " + res.Error
		}
		fmt.Printf("  %s/%s  %s\n", res.Mod, res.Transform, status)
	}
}

func printSession(s patchlog.Session) {
	fmt.Printf("Session:  %s\n", s.ID)
	fmt.Printf("Started:  %s\n", s.StartedAt.Format(time.RFC3339))
	if !s.Running() {
		fmt.Printf("Finished: %s\n", s.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("State:    %s\n", s.State)
	fmt.Printf("Mods:     %s\n", strings.Join(s.Mods, ", "))
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
	if len(s.Events) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Events")
	fmt.Println("------")
	for _, ev := range s.Events {
		fmt.Printf("  %s  %-18s %s\n", ev.At.Format("15:04:05.000"), ev.Kind, ev.Detail)
	}
}

func storyName(doc *storydom.Document) string {
	if name := doc.StoryName(); name != "" {
		return name
	}
	return "story"
}

func shortDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("weft"),
		kong.Description("weft - story mod merge and patch pipeline"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	var level slog.Level
	switch CLI.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
