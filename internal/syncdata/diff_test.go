package syncdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/config"
	"mpy-sync/internal/mpremote/mpremotetest"
	"mpy-sync/internal/remotetree"
)

func manifestOf(t *testing.T, files map[string]string) *Manifest {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, files))
	m, err := BuildManifest(root, NoIgnore, ManifestOptions{})
	require.NoError(t, err)
	return m
}

func TestDiffExampleScenario(t *testing.T) {
	m := manifestOf(t, map[string]string{
		"main.py":  "0123456789",
		"lib/a.py": "abcde",
	})
	remote := []remotetree.Node{
		{Path: "/main.py", Size: 10},
		{Path: "/lib", IsDir: true},
		{Path: "/lib/a.py", Size: 7},
		{Path: "/extra.py", Size: 3},
	}

	d := Diff(m, remote, NoIgnore, "/", DiffOptions{})
	assert.Equal(t, []string{"/lib/a.py"}, d.Changed)
	assert.Equal(t, []string{"/extra.py"}, d.RemoteOnlyFiles)
	assert.Empty(t, d.LocalOnlyFiles)
	assert.Empty(t, d.LocalOnlyDirs)
	assert.Empty(t, d.RemoteOnlyDirs)
	assert.Equal(t, 1, d.Unchanged)
	assert.False(t, d.InSync())
}

func TestDiffIdempotent(t *testing.T) {
	m := manifestOf(t, map[string]string{
		"main.py":  "0123456789",
		"lib/a.py": "abcde",
	})
	remote := []remotetree.Node{
		{Path: "/main.py", Size: 10},
		{Path: "/lib", IsDir: true},
		{Path: "/lib/a.py", Size: 5},
	}

	first := Diff(m, remote, NoIgnore, "/", DiffOptions{})
	second := Diff(m, remote, NoIgnore, "/", DiffOptions{})
	assert.Equal(t, first, second)
	assert.True(t, first.InSync())
	assert.Empty(t, first.LocalOnlyDirs)
	assert.Empty(t, first.RemoteOnlyDirs)
	assert.Equal(t, 2, first.Unchanged)
}

func TestDiffLocalOnlyIsRemoteRooted(t *testing.T) {
	m := manifestOf(t, map[string]string{"lib/util.py": "x"})

	d := Diff(m, nil, NoIgnore, "/", DiffOptions{})
	assert.Equal(t, []string{"/lib/util.py"}, d.LocalOnlyFiles)
	assert.Equal(t, []string{"/lib"}, d.LocalOnlyDirs)
	assert.Empty(t, d.Changed)

	d = Diff(m, nil, NoIgnore, "/app/", DiffOptions{})
	assert.Equal(t, []string{"/app/lib/util.py"}, d.LocalOnlyFiles)
}

func TestDiffIgnoresRulesAndOutsideRoot(t *testing.T) {
	m := manifestOf(t, map[string]string{"main.py": "x"})
	remote := []remotetree.Node{
		{Path: "/app/main.py", Size: 1},
		{Path: "/app/__pycache__", IsDir: true},
		{Path: "/app/__pycache__/m.pyc", Size: 9},
		{Path: "/app/boot.pyc", Size: 9},
		{Path: "/other.py", Size: 4},
	}
	match := CompileIgnoreLines("/tmp", "__pycache__/", "*.pyc")

	d := Diff(m, remote, match, "/app", DiffOptions{})
	assert.True(t, d.InSync())
	assert.Empty(t, d.RemoteOnlyDirs)
	assert.Equal(t, 1, d.Unchanged)
}

func TestDiffRemoteOnlyDirs(t *testing.T) {
	m := manifestOf(t, map[string]string{"main.py": "x"})
	remote := []remotetree.Node{
		{Path: "/main.py", Size: 1},
		{Path: "/data", IsDir: true},
	}
	d := Diff(m, remote, NoIgnore, "/", DiffOptions{})
	assert.Equal(t, []string{"/data"}, d.RemoteOnlyDirs)
	assert.True(t, d.InSync())
}

func TestDiffBaselineFingerprint(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{"main.py": "aaaa"}))
	opts := ManifestOptions{Fingerprint: config.FingerprintXXHash}
	baseline, err := BuildManifest(root, NoIgnore, opts)
	require.NoError(t, err)

	// Same size, different content.
	require.NoError(t, mpremotetest.WriteLocalTree(root, map[string]string{"main.py": "bbbb"}))
	now, err := BuildManifest(root, NoIgnore, opts)
	require.NoError(t, err)

	remote := []remotetree.Node{{Path: "/main.py", Size: 4}}

	assert.True(t, Diff(now, remote, NoIgnore, "/", DiffOptions{}).InSync(), "size-only diff misses same-size edits")

	d := Diff(now, remote, NoIgnore, "/", DiffOptions{Baseline: baseline})
	assert.Equal(t, []string{"/main.py"}, d.Changed)

	d = Diff(baseline, remote, NoIgnore, "/", DiffOptions{Baseline: baseline})
	assert.True(t, d.InSync())
}

func TestDiffNilManifest(t *testing.T) {
	remote := []remotetree.Node{
		{Path: "/lib", IsDir: true},
		{Path: "/lib/a.py", Size: 1},
	}
	d := Diff(nil, remote, nil, "/", DiffOptions{})
	assert.Equal(t, []string{"/lib/a.py"}, d.RemoteOnlyFiles)
	assert.Equal(t, []string{"/lib"}, d.RemoteOnlyDirs)
}
