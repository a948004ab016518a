package util

import (
	"os"
	"path/filepath"

	"mpy-sync/internal/config"
	"mpy-sync/internal/syncerr"
)

// FindWorkspaceRoot searches upward from startPath for a directory holding
// mpy-sync.yaml or the .mpy-sync state directory. When none is found the
// start path itself is the workspace.
func FindWorkspaceRoot(startPath string) (string, error) {
	if startPath == "" {
		return "", syncerr.NewConfigurationError("workspace", "no workspace folder is open")
	}
	abs, err := filepath.Abs(startPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", syncerr.NewConfigurationError("workspace", "workspace folder does not exist: "+abs)
	}

	currentPath := filepath.Clean(abs)
	for {
		if _, err := os.Stat(filepath.Join(currentPath, config.ConfigFileName)); err == nil {
			return currentPath, nil
		}
		if fi, err := os.Stat(filepath.Join(currentPath, config.StateDirName)); err == nil && fi.IsDir() {
			return currentPath, nil
		}

		parentPath := filepath.Dir(currentPath)
		if parentPath == currentPath || parentPath == "." {
			break
		}
		currentPath = parentPath
	}

	return abs, nil
}
