package remotetree_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/mpremote/mpremotetest"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/retry"
	"mpy-sync/internal/syncerr"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T, strategy string) (*remotetree.Lister, *mpremote.Device, *mpremotetest.FakeBoard, *clock) {
	t.Helper()
	board := mpremotetest.NewFakeBoard()
	board.AddFile("/main.py", make([]byte, 10))
	board.AddFile("/lib/a.py", make([]byte, 5))
	dev := mpremote.NewDevice(board, "/dev/ttyACM0", retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond})
	c := &clock{now: time.Unix(1700000000, 0)}
	l := remotetree.NewLister(dev, remotetree.Options{
		Strategy:  strategy,
		TTL:       30 * time.Second,
		CachePath: filepath.Join(t.TempDir(), "remote_tree.json"),
		Now:       c.Now,
	})
	dev.OnMutate(l)
	return l, dev, board, c
}

func TestListTreeCachesWithinTTL(t *testing.T) {
	l, _, board, c := setup(t, remotetree.StrategyTree)

	nodes, err := l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []remotetree.Node{
		{Path: "/lib", IsDir: true},
		{Path: "/lib/a.py", Size: 5},
		{Path: "/main.py", Size: 10},
	}, nodes)

	_, err = l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.Equal(t, 1, board.CountVerb("tree"))

	c.now = c.now.Add(31 * time.Second)
	_, err = l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.Equal(t, 2, board.CountVerb("tree"))
}

func TestMutationInvalidatesImmediately(t *testing.T) {
	l, dev, board, _ := setup(t, remotetree.StrategyTree)

	_, err := l.ListTree(t.Context(), "/")
	require.NoError(t, err)

	require.NoError(t, dev.Mkdir(t.Context(), "/new"))
	_, cached := l.Cached("/")
	assert.False(t, cached)

	nodes, err := l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.Contains(t, nodes, remotetree.Node{Path: "/new", IsDir: true})
	assert.Equal(t, 2, board.CountVerb("tree"))
}

func TestCacheFileIsReadThrough(t *testing.T) {
	board := mpremotetest.NewFakeBoard()
	board.AddFile("/main.py", []byte("x"))
	dev := mpremote.NewDevice(board, "/dev/ttyACM0", retry.Config{MaxAttempts: 1})
	cachePath := filepath.Join(t.TempDir(), "remote_tree.json")
	now := time.Unix(1700000000, 0)
	opts := remotetree.Options{CachePath: cachePath, Now: func() time.Time { return now }}

	_, err := remotetree.NewLister(dev, opts).ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.FileExists(t, cachePath)

	// A second process within the window does not touch the board.
	nodes, err := remotetree.NewLister(dev, opts).ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, 1, board.CountVerb("tree"))
}

func TestListTreeFailureIsNotEmptyTree(t *testing.T) {
	l, _, board, _ := setup(t, remotetree.StrategyTree)
	board.Transient["tree"] = 5

	nodes, err := l.ListTree(t.Context(), "/")
	require.Error(t, err)
	assert.Nil(t, nodes)
	assert.True(t, syncerr.IsConnectionFailure(err))
}

func TestScriptStrategy(t *testing.T) {
	l, _, board, _ := setup(t, remotetree.StrategyScript)

	nodes, err := l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	assert.Equal(t, 0, board.CountVerb("tree"))
	assert.Equal(t, 1, board.CountVerb("exec"))
}

func TestListChildren(t *testing.T) {
	l, _, board, _ := setup(t, remotetree.StrategyTree)

	children, err := l.ListChildren(t.Context(), "/")
	require.NoError(t, err)
	assert.Equal(t, []remotetree.Child{
		{Name: "lib", IsDir: true},
		{Name: "main.py", Size: 10},
	}, children)
	assert.Equal(t, 1, board.CountVerb("ls"))

	_, err = l.ListTree(t.Context(), "/")
	require.NoError(t, err)
	children, err = l.ListChildren(t.Context(), "/lib")
	require.NoError(t, err)
	assert.Equal(t, []remotetree.Child{{Name: "a.py", Size: 5}}, children)
	assert.Equal(t, 1, board.CountVerb("ls"))
}
