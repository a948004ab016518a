package syncdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/logging"
)

// ManifestVersion is the on-disk format version of manifest.json.
const ManifestVersion = 1

// ManifestEntry is one local file. Path is workspace-relative, slash separated.
type ManifestEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Manifest is a snapshot of the local tree, replaced wholesale on rebuild.
type Manifest struct {
	Version     int             `json:"version"`
	BuiltAt     time.Time       `json:"built_at"`
	Fingerprint string          `json:"fingerprint"`
	Entries     []ManifestEntry `json:"entries"`
	Dirs        []string        `json:"dirs"`

	// Warnings lists subtrees skipped because they could not be read.
	Warnings []string `json:"-"`

	index map[string]int
}

// ManifestOptions tunes BuildManifest.
type ManifestOptions struct {
	// Fingerprint is config.FingerprintSize (default) or config.FingerprintXXHash.
	Fingerprint string
	// FS overrides the filesystem walked; nil means os.DirFS(root).
	FS fs.FS
}

// BuildManifest walks root and records every non-ignored regular file.
// Ignored directories are pruned before they are read.
func BuildManifest(root string, m Matcher, opts ManifestOptions) (*Manifest, error) {
	if m == nil {
		m = NoIgnore
	}
	mode := opts.Fingerprint
	if mode == "" {
		mode = config.FingerprintSize
	}
	fsys := opts.FS
	if fsys == nil {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace %s is not a directory", root)
		}
		fsys = os.DirFS(root)
	}
	log := logging.Named("manifest")

	man := &Manifest{Version: ManifestVersion, BuiltAt: time.Now().UTC(), Fingerprint: mode}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}
			log.Warn("skipping unreadable path", zap.String("path", p), zap.Error(err))
			man.Warnings = append(man.Warnings, p)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == "." {
			return nil
		}
		if d.IsDir() {
			if m.Match(p, true) {
				return fs.SkipDir
			}
			man.Dirs = append(man.Dirs, p)
			return nil
		}
		if !d.Type().IsRegular() || m.Match(p, false) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			log.Warn("skipping unreadable file", zap.String("path", p), zap.Error(ierr))
			man.Warnings = append(man.Warnings, p)
			return nil
		}
		e := ManifestEntry{Path: p, Size: info.Size()}
		if mode == config.FingerprintXXHash {
			sum, herr := hashFile(fsys, p)
			if herr != nil {
				log.Warn("skipping unreadable file", zap.String("path", p), zap.Error(herr))
				man.Warnings = append(man.Warnings, p)
				return nil
			}
			e.Fingerprint = sum
		}
		man.Entries = append(man.Entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	man.reindex()
	return man, nil
}

func hashFile(fsys fs.FS, p string) (string, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func (m *Manifest) reindex() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	sort.Strings(m.Dirs)
	m.index = make(map[string]int, len(m.Entries))
	for i, e := range m.Entries {
		m.index[e.Path] = i
	}
}

// Get looks up a relative path.
func (m *Manifest) Get(rel string) (ManifestEntry, bool) {
	if m == nil {
		return ManifestEntry{}, false
	}
	if m.index == nil {
		m.reindex()
	}
	i, ok := m.index[rel]
	if !ok {
		return ManifestEntry{}, false
	}
	return m.Entries[i], true
}

// Len returns the number of files.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}

// Paths returns the relative file paths in order.
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Path
	}
	return out
}

// TotalSize sums the file sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	if m != nil {
		for _, e := range m.Entries {
			n += e.Size
		}
	}
	return n
}

// Save writes the manifest as JSON, replacing any previous file.
func (m *Manifest) Save(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// ErrNoManifest is returned by LoadManifest when sync was never initialised.
var ErrNoManifest = errors.New("no manifest; run init first")

// LoadManifest reads a manifest written by Save.
func LoadManifest(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoManifest
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("manifest %s has version %d, want %d", p, m.Version, ManifestVersion)
	}
	m.reindex()
	return &m, nil
}
