package tui

import (
	"io"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"
)

// compactDelegate reduces per-item height to 1 line to make list dense
type compactDelegate struct{ list.DefaultDelegate }

func (d compactDelegate) Height() int { return 1 }

// remove extra spacing between rows
func (d compactDelegate) Spacing() int { return 0 }

// Render prints the title with a selected marker and the detail dimmed on the
// same line.
func (d compactDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	it, ok := listItem.(menuItem)
	if !ok {
		return
	}
	line := "  " + it.title
	style := d.Styles.NormalTitle
	if index == m.Index() {
		line = "> " + it.title
		style = d.Styles.SelectedTitle
	}
	out := style.Render(line)
	if it.detail != "" {
		out += " " + d.Styles.NormalDesc.Render(it.detail)
	}
	_, _ = io.WriteString(w, out)
}

// NewMenu builds a one-line-per-item list. Each item's value is what the menu
// returns when it is picked.
func NewMenu(items []menuItem, title string) *menuModel {
	var lItems []list.Item
	for _, it := range items {
		lItems = append(lItems, it)
	}

	delegate := compactDelegate{list.NewDefaultDelegate()}
	delegate.Styles.SelectedTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff79c6")).Bold(true)
	delegate.Styles.SelectedDesc = lipgloss.NewStyle().Foreground(lipgloss.Color("#8be9fd"))
	delegate.Styles.NormalTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f8f8f2"))
	delegate.Styles.NormalDesc = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))

	height := len(items) + 4
	if height > 16 {
		height = 16
	}
	l := list.New(lItems, delegate, 60, height)
	l.Title = title
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowPagination(false)

	return &menuModel{list: l}
}
