package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mpy-sync/internal/config"
	"mpy-sync/internal/syncdata"
)

func newPathInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path-info",
		Short: "Display path information for debugging",
		Long: `Display where mpy-sync looks for things:
- Workspace root detection
- Config, state, manifest, cache and log paths
- The device tool executable
- Which top-level workspace entries the ignore rules keep

This command is useful for debugging path resolution issues. It does not
touch the board.`,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			runPathInfo(a)
			return nil
		}),
	}
}

func exists(p string) string {
	if _, err := os.Stat(p); err == nil {
		return "✅"
	}
	return "❌"
}

func runPathInfo(a *app) {
	w := a.out
	fmt.Fprintln(w, "🔍 mpy-sync Path Information")
	fmt.Fprintln(w, "="+strings.Repeat("=", 35))
	fmt.Fprintln(w)

	wd, err := os.Getwd()
	if err != nil {
		wd = "<unknown>"
	}
	fmt.Fprintf(w, "📂 Current Working Directory: %s\n", wd)
	fmt.Fprintf(w, "📁 Workspace Root: %s\n", a.root)
	fmt.Fprintf(w, "%s Config: %s\n", exists(config.GetConfigPath(a.root)), config.GetConfigPath(a.root))
	fmt.Fprintf(w, "🔌 Port: %q  Remote root: %s\n", a.cfg.Port, a.cfg.RemoteRoot)

	exePath, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exePath); rerr == nil && resolved != exePath {
			exePath = resolved + " (via symlink)"
		}
		fmt.Fprintf(w, "🔧 Executable: %s\n", exePath)
	}
	if toolPath, err := exec.LookPath(a.cfg.Tool); err == nil {
		fmt.Fprintf(w, "✅ Device tool: %s\n", toolPath)
	} else {
		fmt.Fprintf(w, "❌ Device tool %q not found in PATH\n", a.cfg.Tool)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🗂️  State:")
	fmt.Fprintln(w, strings.Repeat("-", 25))
	s := a.state
	fmt.Fprintf(w, "%s State dir:    %s\n", exists(s.Dir()), s.Dir())
	fmt.Fprintf(w, "%s Ignore file:  %s\n", exists(s.IgnorePath()), s.IgnorePath())
	fmt.Fprintf(w, "%s .mpyignore:   %s\n", exists(s.WorkspaceIgnorePath()), s.WorkspaceIgnorePath())
	fmt.Fprintf(w, "%s Tree cache:   %s\n", exists(s.TreeCachePath()), s.TreeCachePath())
	fmt.Fprintf(w, "%s Log:          %s\n", exists(s.LogPath()), s.LogPath())
	fmt.Fprintf(w, "%s Metrics:      %s\n", exists(s.MetricsPath()), s.MetricsPath())
	if m, err := syncdata.LoadManifest(s.ManifestPath()); err == nil {
		fmt.Fprintf(w, "✅ Manifest:     %s (%d files, built %s)\n", s.ManifestPath(), m.Len(), m.BuiltAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintf(w, "❌ Manifest:     %s (%v)\n", s.ManifestPath(), err)
	}
	if a.known != nil {
		if files, size, err := a.known.Stats(); err == nil {
			fmt.Fprintf(w, "✅ Known files:  %s (%d files, %d bytes)\n", s.KnownDBPath(), files, size)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🧪 Ignore rules on top-level entries:")
	fmt.Fprintln(w, strings.Repeat("-", 25))
	runIgnorePatternsSimulation(w, a.root, a.svc.Ignore())
}

// runIgnorePatternsSimulation shows, for every top-level workspace entry,
// whether the ignore rules keep it.
func runIgnorePatternsSimulation(w io.Writer, root string, match *syncdata.IgnoreMatcher) {
	entries, err := os.ReadDir(root)
	if err != nil {
		fmt.Fprintf(w, "❌ Cannot read workspace: %v\n", err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var passCount, failCount int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		status := "✅ SYNC"
		if match.Match(e.Name(), e.IsDir()) {
			status = "❌ IGNORED"
			failCount++
		} else {
			passCount++
		}
		fmt.Fprintf(w, "%-12s %s\n", status, name)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "📊 Summary: %d entries would sync, %d would be ignored\n", passCount, failCount)

	negationCount := 0
	for _, pattern := range match.Patterns() {
		if strings.HasPrefix(pattern, "!") {
			negationCount++
		}
	}
	if negationCount > 0 {
		fmt.Fprintf(w, "🔹 Found %d negation patterns (!) for priority inclusion\n", negationCount)
	}
}
