package syncdata

import (
	"path/filepath"
	"sort"
	"strings"
)

// Scope limits a batch to some workspace-relative prefixes. The zero Scope
// covers everything.
type Scope struct {
	prefixes []string
}

// NewScope converts user-given paths (absolute or relative to absRoot) into
// relative slash prefixes. Entries outside absRoot are dropped; an entry naming
// the root itself widens the scope to everything.
func NewScope(absRoot string, paths []string) Scope {
	dedup := map[string]struct{}{}
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs := p
		if !filepath.IsAbs(p) {
			abs = filepath.Join(absRoot, p)
		}
		rel, err := filepath.Rel(absRoot, filepath.Clean(abs))
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		if rel == "." {
			return Scope{}
		}
		if _, ok := dedup[rel]; ok {
			continue
		}
		dedup[rel] = struct{}{}
		out = append(out, rel)
	}
	sort.Strings(out)
	return Scope{prefixes: out}
}

// All reports whether the scope is unrestricted.
func (s Scope) All() bool { return len(s.prefixes) == 0 }

// Prefixes returns the normalized prefixes.
func (s Scope) Prefixes() []string { return append([]string(nil), s.prefixes...) }

// Contains reports whether rel is one of the prefixes or lies below one.
func (s Scope) Contains(rel string) bool {
	if s.All() {
		return true
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	for _, pr := range s.prefixes {
		pr = strings.TrimSuffix(pr, "/")
		if pr == "" {
			continue
		}
		if rel == pr || strings.HasPrefix(rel, pr+"/") {
			return true
		}
	}
	return false
}

// FilterDevicePaths keeps the device paths whose root-relative form is in scope.
func (s Scope) FilterDevicePaths(paths []string, remoteRoot string) []string {
	if s.All() {
		return paths
	}
	var out []string
	for _, p := range paths {
		if s.Contains(ToLocalRelative(p, remoteRoot)) {
			out = append(out, p)
		}
	}
	return out
}

// FilterManifest returns a copy of m holding only in-scope entries.
func (s Scope) FilterManifest(m *Manifest) *Manifest {
	if s.All() || m == nil {
		return m
	}
	out := &Manifest{Version: m.Version, BuiltAt: m.BuiltAt, Fingerprint: m.Fingerprint}
	for _, e := range m.Entries {
		if s.Contains(e.Path) {
			out.Entries = append(out.Entries, e)
		}
	}
	for _, d := range m.Dirs {
		if s.Contains(d) {
			out.Dirs = append(out.Dirs, d)
		}
	}
	out.reindex()
	return out
}
