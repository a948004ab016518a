package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the hidden workspace-local directory holding persisted state.
const StateDirName = ".mpy-sync"

// IgnoreFileName is the gitignore-style rule file, read from the state
// directory and from the workspace root.
const IgnoreFileName = ".mpyignore"

// State resolves the paths of everything mpy-sync persists for one workspace.
type State struct {
	Root string
}

func NewState(root string) State {
	return State{Root: root}
}

func (s State) Dir() string           { return filepath.Join(s.Root, StateDirName) }
func (s State) ManifestPath() string  { return filepath.Join(s.Dir(), "manifest.json") }
func (s State) IgnorePath() string    { return filepath.Join(s.Dir(), IgnoreFileName) }
func (s State) TreeCachePath() string { return filepath.Join(s.Dir(), "remote_tree.json") }
func (s State) KnownDBPath() string   { return filepath.Join(s.Dir(), "known.db") }
func (s State) LogPath() string       { return filepath.Join(s.Dir(), "logs", "mpy-sync.log") }
func (s State) MetricsPath() string   { return filepath.Join(s.Dir(), "metrics.prom") }

// WorkspaceIgnorePath is the optional .mpyignore at the workspace root.
func (s State) WorkspaceIgnorePath() string { return filepath.Join(s.Root, IgnoreFileName) }

// Ensure creates the state directory.
func (s State) Ensure() error {
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", StateDirName, err)
	}
	return nil
}
