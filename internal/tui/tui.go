// Package tui holds the interactive pieces of the CLI: menus, the port
// picker, destructive-op confirmation, the REPL terminal bridge and report
// rendering.
package tui

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/util"
)

// ErrCancelled is returned when the user leaves a menu without choosing.
var ErrCancelled = errors.New("cancelled")

type menuItem struct {
	title  string
	detail string
	value  string
}

func (m menuItem) Title() string       { return m.title }
func (m menuItem) Description() string { return m.detail }
func (m menuItem) FilterValue() string { return m.title }

type menuModel struct {
	list      list.Model
	choice    string
	cancelled bool
}

func (m *menuModel) Init() tea.Cmd { return nil }

func (m *menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		// explicit handle cursor movement to ensure up/down work with compact delegate
		switch msg.String() {
		case "enter":
			if itm, ok := m.list.SelectedItem().(menuItem); ok {
				m.choice = itm.value
			}
			return m, tea.Quit
		case "esc", "q", "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		case "up", "k":
			m.list.CursorUp()
			return m, nil
		case "down", "j":
			m.list.CursorDown()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *menuModel) View() string {
	if m.choice != "" {
		return fmt.Sprintf("Selected: %s\n", m.choice)
	}
	if m.cancelled {
		return ""
	}
	return m.list.View()
}

// Result is the picked value or ErrCancelled.
func (m *menuModel) Result() (string, error) {
	if m.cancelled || m.choice == "" {
		return "", ErrCancelled
	}
	return m.choice, nil
}

// runMenu blocks on the menu program. Background prints are held back while
// it owns the terminal.
func runMenu(m *menuModel) (string, error) {
	util.Default.Suspend()
	defer util.Default.Resume()

	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		return "", err
	}
	return m.Result()
}

// ShowMenu blocks and returns the selected item.
func ShowMenu(items []string, title string) (string, error) {
	menu := make([]menuItem, 0, len(items))
	for _, it := range items {
		menu = append(menu, menuItem{title: it, value: it})
	}
	return runMenu(NewMenu(menu, title))
}

// portMenu lists recently used ports first (those still attached), then the
// rest in the order the tool reported them.
func portMenu(ports []mpremote.Port, recent []string) []menuItem {
	byDevice := make(map[string]mpremote.Port, len(ports))
	for _, p := range ports {
		byDevice[p.Device] = p
	}

	var items []menuItem
	seen := map[string]bool{}
	add := func(p mpremote.Port, tag string) {
		if seen[p.Device] {
			return
		}
		seen[p.Device] = true
		detail := p.Description
		if p.VIDPID != "" {
			detail = p.VIDPID + " " + detail
		}
		if tag != "" {
			detail = tag + " " + detail
		}
		items = append(items, menuItem{title: p.Device, detail: detail, value: p.Device})
	}
	for _, r := range recent {
		if p, ok := byDevice[r]; ok {
			add(p, "(recent)")
		}
	}
	for _, p := range ports {
		add(p, "")
	}
	return items
}

// SelectPort asks the user to pick one of the connected boards.
func SelectPort(ports []mpremote.Port, recent []string) (string, error) {
	if len(ports) == 0 {
		return "", errors.New("no serial devices found")
	}
	return runMenu(NewMenu(portMenu(ports, recent), "Select a board"))
}
