package syncdata

import (
	"sort"

	"mpy-sync/internal/remotetree"
)

// DiffOptions tunes Diff.
type DiffOptions struct {
	// Baseline is the manifest recorded at the last successful sync. When set
	// and both sides carry fingerprints, a file whose size still matches the
	// board but whose fingerprint moved since the baseline counts as changed.
	// Without it, size is the only equality test.
	Baseline *Manifest
}

// DiffResult classifies every non-ignored path. All paths are device paths
// under the remote root; each appears in at most one set.
type DiffResult struct {
	Changed         []string `json:"changed"`
	LocalOnlyFiles  []string `json:"local_only_files"`
	LocalOnlyDirs   []string `json:"local_only_dirs"`
	RemoteOnlyFiles []string `json:"remote_only_files"`
	RemoteOnlyDirs  []string `json:"remote_only_dirs"`
	Unchanged       int      `json:"unchanged"`
}

// InSync reports whether no file needs to move in either direction.
func (d DiffResult) InSync() bool {
	return len(d.Changed) == 0 && len(d.LocalOnlyFiles) == 0 && len(d.RemoteOnlyFiles) == 0
}

// Diff compares the manifest with a remote listing.
func Diff(m *Manifest, nodes []remotetree.Node, match Matcher, remoteRoot string, opts DiffOptions) DiffResult {
	if match == nil {
		match = NoIgnore
	}
	root := NormalizeRoot(remoteRoot)

	remoteFiles := map[string]remotetree.Node{}
	remoteDirs := map[string]bool{}
	for _, n := range nodes {
		rel := ToLocalRelative(n.Path, root)
		if rel == "" || match.Match(rel, n.IsDir) {
			continue
		}
		if n.IsDir {
			remoteDirs[rel] = true
		} else {
			remoteFiles[rel] = n
		}
	}

	var res DiffResult
	if m != nil {
		for _, e := range m.Entries {
			if match.Match(e.Path, false) {
				continue
			}
			rn, ok := remoteFiles[e.Path]
			if !ok {
				res.LocalOnlyFiles = append(res.LocalOnlyFiles, ToDevicePath(e.Path, root))
				continue
			}
			delete(remoteFiles, e.Path)
			if rn.Size != e.Size || fingerprintMoved(e, opts.Baseline) {
				res.Changed = append(res.Changed, ToDevicePath(e.Path, root))
				continue
			}
			res.Unchanged++
		}

		localDirs := map[string]bool{}
		for _, d := range m.Dirs {
			if match.Match(d, true) {
				continue
			}
			localDirs[d] = true
			if !remoteDirs[d] {
				res.LocalOnlyDirs = append(res.LocalOnlyDirs, ToDevicePath(d, root))
			}
		}
		for d := range remoteDirs {
			if !localDirs[d] {
				res.RemoteOnlyDirs = append(res.RemoteOnlyDirs, ToDevicePath(d, root))
			}
		}
	} else {
		for d := range remoteDirs {
			res.RemoteOnlyDirs = append(res.RemoteOnlyDirs, ToDevicePath(d, root))
		}
	}

	for rel := range remoteFiles {
		res.RemoteOnlyFiles = append(res.RemoteOnlyFiles, ToDevicePath(rel, root))
	}

	sort.Strings(res.Changed)
	sort.Strings(res.LocalOnlyFiles)
	sort.Strings(res.LocalOnlyDirs)
	sort.Strings(res.RemoteOnlyFiles)
	sort.Strings(res.RemoteOnlyDirs)
	return res
}

func fingerprintMoved(e ManifestEntry, baseline *Manifest) bool {
	if baseline == nil || e.Fingerprint == "" {
		return false
	}
	prev, ok := baseline.Get(e.Path)
	if !ok || prev.Fingerprint == "" {
		return false
	}
	return prev.Fingerprint != e.Fingerprint
}
