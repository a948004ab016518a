package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"mpy-sync/internal/syncdata"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555")).Bold(true)
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8be9fd"))
)

// maxListed caps how many paths of one kind are printed.
const maxListed = 50

// RenderReport formats a batch outcome. Succeeded paths are listed only
// when verbose is set; failures always are.
func RenderReport(r syncdata.TransferReport, verbose bool) string {
	var sb strings.Builder
	summary := r.Summary()
	if r.Clean() {
		sb.WriteString(okStyle.Render("✅ " + summary))
	} else {
		sb.WriteString(failStyle.Render("⚠️  " + summary))
	}
	sb.WriteString("\n")

	if verbose {
		writePaths(&sb, okStyle, "+", r.Succeeded)
		writePaths(&sb, skipStyle, "-", r.Skipped)
	}
	for i, f := range r.Failed {
		if i == maxListed {
			fmt.Fprintf(&sb, "  ... and %d more\n", len(r.Failed)-maxListed)
			break
		}
		dir := ""
		if f.Direction != "" {
			dir = " (" + f.Direction + ")"
		}
		fmt.Fprintf(&sb, "  %s %s%s: %s\n", failStyle.Render("✗"), f.Path, dir, f.Err)
	}
	return sb.String()
}

// RenderDiff formats a diff grouped by what would move.
func RenderDiff(d syncdata.DiffResult) string {
	var sb strings.Builder
	if d.InSync() {
		sb.WriteString(okStyle.Render(fmt.Sprintf("✅ In sync (%d unchanged)", d.Unchanged)))
		sb.WriteString("\n")
		writeSection(&sb, "Remote-only directories", d.RemoteOnlyDirs)
		return sb.String()
	}
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%d changed, %d local only, %d remote only, %d unchanged",
		len(d.Changed), len(d.LocalOnlyFiles), len(d.RemoteOnlyFiles), d.Unchanged)))
	sb.WriteString("\n")
	writeSection(&sb, "Changed", d.Changed)
	writeSection(&sb, "Local only", d.LocalOnlyFiles)
	writeSection(&sb, "Local-only directories", d.LocalOnlyDirs)
	writeSection(&sb, "Remote only", d.RemoteOnlyFiles)
	writeSection(&sb, "Remote-only directories", d.RemoteOnlyDirs)
	return sb.String()
}

func writeSection(sb *strings.Builder, title string, paths []string) {
	if len(paths) == 0 {
		return
	}
	sb.WriteString(sectionStyle.Render(title + ":"))
	sb.WriteString("\n")
	writePaths(sb, lipgloss.NewStyle(), " ", paths)
}

func writePaths(sb *strings.Builder, style lipgloss.Style, mark string, paths []string) {
	for i, p := range paths {
		if i == maxListed {
			fmt.Fprintf(sb, "  ... and %d more\n", len(paths)-maxListed)
			return
		}
		fmt.Fprintf(sb, "  %s %s\n", style.Render(mark), p)
	}
}

// Post-batch menu choices.
const (
	ChoiceRetry = "Retry failed items"
	ChoiceShow  = "Show failures"
	ChoiceDone  = "Done"
)

// PostBatchChoices is what the menu after a partly failed batch offers. It is
// empty for a clean batch.
func PostBatchChoices(r syncdata.TransferReport) []string {
	if r.FailedCount() == 0 {
		return nil
	}
	return []string{ChoiceRetry, ChoiceShow, ChoiceDone}
}

// PostBatchMenu asks what to do about the failures of r.
func PostBatchMenu(r syncdata.TransferReport) (string, error) {
	choices := PostBatchChoices(r)
	if len(choices) == 0 {
		return ChoiceDone, nil
	}
	return ShowMenu(choices, fmt.Sprintf("%d item(s) failed", r.FailedCount()))
}
