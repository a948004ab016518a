package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/config"
	"mpy-sync/internal/history"
	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/mpremote/mpremotetest"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/syncdata"
	"mpy-sync/internal/syncerr"
	"mpy-sync/internal/util"
)

func TestMain(m *testing.M) {
	util.Default.SetOutput(io.Discard)
	interactive = func() bool { return false }
	os.Exit(m.Run())
}

const testConfig = `port: /dev/ttyACM0
retry:
  attempts: 2
  initial_wait: 1ms
  max_wait: 2ms
`

type cli struct {
	root    string
	board   *mpremotetest.FakeBoard
	history *history.Store
}

func newCLI(t *testing.T, cfg string, files map[string]string) *cli {
	t.Helper()
	c := &cli{root: t.TempDir(), board: mpremotetest.NewFakeBoard(), history: &history.Store{Dir: t.TempDir()}}
	require.NoError(t, mpremotetest.WriteLocalTree(c.root, files))
	if cfg != "" {
		require.NoError(t, os.WriteFile(filepath.Join(c.root, config.ConfigFileName), []byte(cfg), 0644))
	}

	prevRunner, prevHistory := newRunner, historyStore
	newRunner = func(*config.Config, bool) mpremote.Runner { return c.board }
	historyStore = func() *history.Store { return c.history }
	t.Cleanup(func() {
		newRunner, historyStore = prevRunner, prevHistory
		util.Default.SetOutput(io.Discard)
	})
	return c
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append(args, "-w", c.root))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestInitWritesConfigWithoutTouchingBoard(t *testing.T) {
	c := newCLI(t, "", map[string]string{"main.py": "m", "lib/a.py": "a"})

	out, err := c.run(t, "init", "--yes", "--port", "/dev/ttyACM0", "--remote-root", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "Manifest: 2 file(s)")
	assert.Empty(t, c.board.Calls())

	cfg, err := config.Load(c.root)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, "/app", cfg.RemoteRoot)
	assert.FileExists(t, config.NewState(c.root).ManifestPath())
	assert.Equal(t, []string{"/dev/ttyACM0"}, c.history.RecentPorts())

	out, err = c.run(t, "init", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestUploadThenDiffIsInSync(t *testing.T) {
	c := newCLI(t, testConfig, map[string]string{
		"main.py":             "print(1)",
		"lib/a.py":            "a = 1",
		"__pycache__/x.pyc":   "cache",
		".mpy-sync/extra.txt": "state",
	})

	out, err := c.run(t, "upload", "--json")
	require.NoError(t, err)
	var report syncdata.TransferReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.ElementsMatch(t, []string{"/main.py", "/lib/a.py"}, report.Succeeded)
	assert.Equal(t, []string{"/lib/a.py", "/main.py"}, c.board.Files())

	out, err = c.run(t, "diff", "--json")
	require.NoError(t, err)
	var diff syncdata.DiffResult
	require.NoError(t, json.Unmarshal([]byte(out), &diff))
	assert.True(t, diff.InSync())
	assert.Equal(t, 2, diff.Unchanged)

	assert.FileExists(t, config.NewState(c.root).MetricsPath())
}

func TestTreeKnownReadsTheIndexOnly(t *testing.T) {
	c := newCLI(t, testConfig, map[string]string{"main.py": "m", "lib/a.py": "a"})
	_, err := c.run(t, "upload")
	require.NoError(t, err)
	calls := len(c.board.Calls())

	out, err := c.run(t, "tree", "--known", "--json", "lib")
	require.NoError(t, err)
	var nodes []remotetree.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "/lib/a.py", nodes[0].Path)
	assert.Len(t, c.board.Calls(), calls)
}

func TestSyncUpPartialFailureExitsWithTwo(t *testing.T) {
	c := newCLI(t, testConfig, map[string]string{"main.py": "m", "lib/a.py": "a"})
	c.board.FailPaths["/lib/a.py"] = "cp: OSError: [Errno 5] EIO"

	out, err := c.run(t, "sync-up")
	require.ErrorIs(t, err, ErrPartial)
	assert.Equal(t, 2, ExitCode(err))
	assert.Empty(t, FormatError(err))
	assert.Contains(t, out, "sync-up: 1 succeeded, 1 failed")
	assert.Contains(t, out, "/lib/a.py (up)")
}

func TestScopedUploadRejectsPathsOutsideWorkspace(t *testing.T) {
	c := newCLI(t, testConfig, map[string]string{"main.py": "m", "lib/a.py": "a"})

	_, err := c.run(t, "upload", filepath.Join(c.root, "..", "elsewhere"))
	assert.True(t, syncerr.IsConfiguration(err))
	assert.Equal(t, 1, ExitCode(err))
	assert.Empty(t, c.board.Calls())

	_, err = c.run(t, "upload", filepath.Join(c.root, "lib"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/a.py"}, c.board.Files())
}

func TestAutoPortIsRejected(t *testing.T) {
	c := newCLI(t, "port: auto\n", map[string]string{"main.py": "m"})

	for _, verb := range []string{"upload", "diff", "sync", "reset", "tree"} {
		_, err := c.run(t, verb)
		assert.True(t, syncerr.IsConfiguration(err), "%s: %v", verb, err)
	}
	assert.Empty(t, c.board.Calls())
}

func TestSingleItemVerbs(t *testing.T) {
	c := newCLI(t, testConfig, nil)

	_, err := c.run(t, "mkdir", "data/logs")
	require.NoError(t, err)
	_, err = c.run(t, "touch", ":/data/a.txt")
	require.NoError(t, err)
	_, err = c.run(t, "mv", "data/a.txt", "data/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/b.txt"}, c.board.Files())

	out, err := c.run(t, "ls", "data")
	require.NoError(t, err)
	assert.Contains(t, out, "logs/")
	assert.Contains(t, out, "b.txt")

	out, err = c.run(t, "tree", "--json")
	require.NoError(t, err)
	var nodes []remotetree.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	var paths []string
	for _, n := range nodes {
		paths = append(paths, n.Path)
	}
	assert.Contains(t, paths, "/data/logs")
	assert.Contains(t, paths, "/data/b.txt")

	_, err = c.run(t, "rm", "data")
	require.NoError(t, err)
	assert.False(t, c.board.HasDir("/data"))

	_, err = c.run(t, "mv", "only-one")
	assert.Error(t, err)
}

func TestWipe(t *testing.T) {
	c := newCLI(t, testConfig, nil)
	c.board.AddFile("/main.py", []byte("m"))
	c.board.AddFile("/lib/a.py", []byte("a"))

	_, err := c.run(t, "wipe", "--json")
	assert.True(t, syncerr.IsConfiguration(err))
	assert.Len(t, c.board.Files(), 2)

	_, err = c.run(t, "wipe", "--yes")
	require.NoError(t, err)
	assert.Empty(t, c.board.Files())
	assert.True(t, c.board.HasDir("/"))
}

func TestExecAndPorts(t *testing.T) {
	c := newCLI(t, testConfig, nil)
	c.board.ExecReplies["print(40 + 2)"] = "42\r\n"
	c.board.Ports = []string{"/dev/ttyACM0 e6605838 2e8a:0005 MicroPython Board in FS mode"}

	out, err := c.run(t, "exec", "print(40", "+", "2)")
	require.NoError(t, err)
	assert.Equal(t, "42\r\n", out)

	out, err = c.run(t, "ports")
	require.NoError(t, err)
	assert.Contains(t, out, "* /dev/ttyACM0")
	assert.Contains(t, out, "MicroPython Board in FS mode")

	_, err = c.run(t, "ports", "--select")
	assert.True(t, syncerr.IsConfiguration(err))
}

func TestReadCode(t *testing.T) {
	code, err := readCode("", []string{"import", "os"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "import os", code)

	code, err = readCode("-", nil, strings.NewReader("print(1)\n"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", code)

	script := filepath.Join(t.TempDir(), "blink.py")
	require.NoError(t, os.WriteFile(script, []byte("led.on()"), 0644))
	code, err = readCode(script, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "led.on()", code)

	_, err = readCode(script, []string{"extra"}, nil)
	assert.True(t, syncerr.IsConfiguration(err))
}

func TestRenderTree(t *testing.T) {
	out := renderTree([]remotetree.Node{
		{Path: "/lib", IsDir: true},
		{Path: "/lib/a.py", Size: 12},
		{Path: "/main.py", Size: 3},
	})
	assert.Equal(t, "lib/\n  a.py (12)\nmain.py (3)\n", out)
	assert.Equal(t, "(empty)\n", renderTree(nil))
}

func TestPathInfo(t *testing.T) {
	c := newCLI(t, testConfig, map[string]string{"main.py": "m", "build/out.bin": "b"})

	out, err := c.run(t, "path-info")
	require.NoError(t, err)
	assert.Contains(t, out, "Workspace Root: "+c.root)
	assert.Regexp(t, `❌ IGNORED\s+build/`, out)
	assert.Regexp(t, `✅ SYNC\s+main.py`, out)
	assert.Empty(t, c.board.Calls())
}
