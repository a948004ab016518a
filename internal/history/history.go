// Package history remembers the serial ports used recently, across
// workspaces, so the port picker can offer them first.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const HistoryDir = ".mpy-sync"
const HistoryFile = "history.json"

// MaxEntries bounds how many ports are remembered.
const MaxEntries = 20

type HistoryEntry struct {
	Port      string    `json:"port"`
	Workspace string    `json:"workspace,omitempty"`
	LastUsed  time.Time `json:"last_used"`
}

type History struct {
	Entries []HistoryEntry `json:"entries"`
}

// Store reads and writes history.json inside Dir.
type Store struct {
	Dir string
	now func() time.Time
}

// Default is the store in the user's home directory.
func Default() *Store {
	home, _ := os.UserHomeDir()
	return &Store{Dir: filepath.Join(home, HistoryDir)}
}

func (s *Store) Path() string {
	return filepath.Join(s.Dir, HistoryFile)
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Load returns the history; a missing file is an empty history.
func (s *Store) Load() (*History, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return &History{Entries: []HistoryEntry{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) Save(h *History) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path(), data, 0644)
}

// AddPort records port as just used from workspace.
func (s *Store) AddPort(port, workspace string) error {
	h, err := s.Load()
	if err != nil {
		// a corrupt file is replaced rather than blocking port selection
		h = &History{}
	}
	now := s.clock()
	found := false
	for i, e := range h.Entries {
		if e.Port == port {
			h.Entries[i].LastUsed = now
			h.Entries[i].Workspace = workspace
			found = true
			break
		}
	}
	if !found {
		h.Entries = append(h.Entries, HistoryEntry{Port: port, Workspace: workspace, LastUsed: now})
	}
	sortRecent(h.Entries)
	if len(h.Entries) > MaxEntries {
		h.Entries = h.Entries[:MaxEntries]
	}
	return s.Save(h)
}

// RemovePort forgets port.
func (s *Store) RemovePort(port string) error {
	h, err := s.Load()
	if err != nil {
		return err
	}
	for i, e := range h.Entries {
		if e.Port == port {
			h.Entries = append(h.Entries[:i], h.Entries[i+1:]...)
			break
		}
	}
	return s.Save(h)
}

// RecentPorts lists remembered ports, most recent first.
func (s *Store) RecentPorts() []string {
	h, err := s.Load()
	if err != nil {
		return []string{}
	}
	sortRecent(h.Entries)
	out := make([]string, 0, len(h.Entries))
	for _, e := range h.Entries {
		out = append(out, e.Port)
	}
	return out
}

func sortRecent(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUsed.After(entries[j].LastUsed)
	})
}
