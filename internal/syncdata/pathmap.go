package syncdata

import (
	"path"
	"path/filepath"
	"strings"
)

// NormalizeRoot returns root as an absolute device path without a trailing
// slash ("/" stays "/").
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return "/"
	}
	return path.Clean("/" + root)
}

// InsideRoot reports whether devicePath is strictly below remoteRoot.
func InsideRoot(devicePath, remoteRoot string) bool {
	root := NormalizeRoot(remoteRoot)
	p := path.Clean("/" + devicePath)
	if root == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, root+"/")
}

// ToLocalRelative strips remoteRoot from devicePath. Paths outside the root
// (and the root itself) map to "".
func ToLocalRelative(devicePath, remoteRoot string) string {
	if !InsideRoot(devicePath, remoteRoot) {
		return ""
	}
	root := NormalizeRoot(remoteRoot)
	p := path.Clean("/" + devicePath)
	if root == "/" {
		return p[1:]
	}
	return p[len(root)+1:]
}

// ToDevicePath joins a workspace-relative path onto remoteRoot.
func ToDevicePath(rel, remoteRoot string) string {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	return path.Join(NormalizeRoot(remoteRoot), rel)
}

// localPath turns a relative slash path into an OS path under root.
func localPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
