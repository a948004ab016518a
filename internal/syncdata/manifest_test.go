package syncdata

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/config"
	"mpy-sync/internal/mpremote/mpremotetest"
)

// recordingFS logs every name opened through it. It deliberately exposes only
// Open, so fs.WalkDir has to open each directory it reads.
type recordingFS struct {
	fsys fs.FS

	mu     sync.Mutex
	opened []string
}

func (r *recordingFS) Open(name string) (fs.File, error) {
	r.mu.Lock()
	r.opened = append(r.opened, name)
	r.mu.Unlock()
	return r.fsys.Open(name)
}

func TestManifestNeverReadsIgnoredDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{
		"main.py":               "print('hi')",
		"lib/util.py":           "x = 1",
		"build/secret.py":       "sentinel",
		"build/deep/nested.py":  "sentinel",
		"lib/__pycache__/u.pyc": "sentinel",
	}))

	for _, mode := range []string{config.FingerprintSize, config.FingerprintXXHash} {
		t.Run(mode, func(t *testing.T) {
			rec := &recordingFS{fsys: os.DirFS(root)}
			m, err := BuildManifest(root, CompileIgnoreLines(root, "build/", "__pycache__/"),
				ManifestOptions{Fingerprint: mode, FS: rec})
			require.NoError(t, err)

			assert.Equal(t, []string{"lib/util.py", "main.py"}, m.Paths())
			assert.Equal(t, []string{"lib"}, m.Dirs)
			for _, name := range rec.opened {
				assert.False(t, strings.HasPrefix(name, "build"), "opened %s", name)
				assert.NotContains(t, name, "__pycache__")
			}
		})
	}
}

func TestManifestSizesAndFingerprints(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{
		"main.py":  "0123456789",
		"lib/a.py": "abcde",
	}))

	m, err := BuildManifest(root, NoIgnore, ManifestOptions{})
	require.NoError(t, err)
	e, ok := m.Get("main.py")
	require.True(t, ok)
	assert.Equal(t, int64(10), e.Size)
	assert.Empty(t, e.Fingerprint)
	assert.Equal(t, int64(15), m.TotalSize())
	assert.Equal(t, 2, m.Len())

	h, err := BuildManifest(root, NoIgnore, ManifestOptions{Fingerprint: config.FingerprintXXHash})
	require.NoError(t, err)
	e, ok = h.Get("lib/a.py")
	require.True(t, ok)
	assert.Len(t, e.Fingerprint, 16)
}

func TestManifestSkipsNonRegularFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{"main.py": "x"}))
	if err := os.Symlink(filepath.Join(root, "main.py"), filepath.Join(root, "link.py")); err != nil {
		t.Skip("symlinks unavailable")
	}

	m, err := BuildManifest(root, NoIgnore, ManifestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, m.Paths())
}

func TestManifestMissingRoot(t *testing.T) {
	_, err := BuildManifest(filepath.Join(t.TempDir(), "nope"), NoIgnore, ManifestOptions{})
	assert.Error(t, err)
}

func TestManifestSaveLoad(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{
		"main.py":  "0123456789",
		"lib/a.py": "abcde",
	}))
	m, err := BuildManifest(root, NoIgnore, ManifestOptions{Fingerprint: config.FingerprintXXHash})
	require.NoError(t, err)

	p := filepath.Join(root, ".mpy-sync", "manifest.json")
	require.NoError(t, m.Save(p))

	loaded, err := LoadManifest(p)
	require.NoError(t, err)
	assert.Equal(t, m.Paths(), loaded.Paths())
	assert.Equal(t, m.Dirs, loaded.Dirs)
	want, _ := m.Get("lib/a.py")
	got, ok := loaded.Get("lib/a.py")
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, err = LoadManifest(filepath.Join(root, "missing.json"))
	assert.ErrorIs(t, err, ErrNoManifest)
	assert.True(t, IsNoManifest(err))
}

func TestManifestLoadRejectsOtherVersion(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"version": 99, "entries": []}`), 0644))
	_, err := LoadManifest(p)
	assert.ErrorContains(t, err, "version 99")
}
