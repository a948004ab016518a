package syncdata

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/mpremote/mpremotetest"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

// memKnown is an in-memory KnownIndex.
type memKnown struct {
	mu    sync.Mutex
	paths map[string]remotetree.Node
}

func newMemKnown() *memKnown {
	return &memKnown{paths: map[string]remotetree.Node{}}
}

func (k *memKnown) Add(p string, isDir bool, size int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paths[p] = remotetree.Node{Path: p, IsDir: isDir, Size: size}
	return nil
}

func (k *memKnown) Remove(p string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for q := range k.paths {
		if q == p || strings.HasPrefix(q, p+"/") {
			delete(k.paths, q)
		}
	}
	return nil
}

func (k *memKnown) ReplaceAll(nodes []remotetree.Node) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paths = map[string]remotetree.Node{}
	for _, n := range nodes {
		k.paths[n.Path] = n
	}
	return nil
}

func (k *memKnown) Has(p string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.paths[p]
	return ok
}

type rig struct {
	local string
	board *mpremotetest.FakeBoard
	dev   *mpremote.Device
	known *memKnown
	exec  *Executor
}

func newRig(t *testing.T, files map[string]string) *rig {
	t.Helper()
	local := t.TempDir()
	require.NoError(t, mpremotetest.WriteLocalTree(local, files))
	board := mpremotetest.NewFakeBoard()
	dev := mpremote.NewDevice(board, "/dev/ttyACM0", fastRetry())
	known := newMemKnown()
	e := NewExecutor(dev, local, "/", known)
	e.MkdirDelay = time.Millisecond
	return &rig{local: local, board: board, dev: dev, known: known, exec: e}
}

func (r *rig) manifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := BuildManifest(r.local, NoIgnore, ManifestOptions{})
	require.NoError(t, err)
	return m
}

// mkdirOrder returns the device paths passed to "fs mkdir", in call order.
func mkdirOrder(board *mpremotetest.FakeBoard) []string {
	var out []string
	for _, c := range board.Calls() {
		if len(c) >= 5 && c[2] == "fs" && c[3] == "mkdir" {
			out = append(out, strings.TrimPrefix(c[4], ":"))
		}
	}
	return out
}

// localFiles returns relative path -> size for every file under root.
func localFiles(t *testing.T, root string) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	require.NoError(t, err)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func removeLocal(t *testing.T, root, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(root, filepath.FromSlash(rel))))
}
