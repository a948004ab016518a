package remotetree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"mpy-sync/internal/events"
	"mpy-sync/internal/logging"
	"mpy-sync/internal/metrics"
	"mpy-sync/internal/mpremote"
)

// Listing strategies.
const (
	StrategyTree   = "tree"
	StrategyScript = "script"
)

// DefaultTTL is the freshness window used when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// Source is the part of the device the lister needs.
type Source interface {
	TreeText(ctx context.Context, root string) (string, error)
	WalkJSON(ctx context.Context, root string) (string, error)
	Ls(ctx context.Context, dir string) ([]mpremote.LsEntry, error)
}

// Child is one entry of a single directory.
type Child struct {
	Name  string
	IsDir bool
	Size  int64
}

// Options configures a Lister.
type Options struct {
	Strategy  string
	TTL       time.Duration
	CachePath string // persisted read-through cache; empty disables it
	Key       string // identifies the board (port); a cache file for another key is ignored
	Bus       EventBus.Bus
	Now       func() time.Time
}

type snapshot struct {
	Key       string    `json:"key"`
	Root      string    `json:"root"`
	FetchedAt time.Time `json:"fetched_at"`
	Nodes     []Node    `json:"nodes"`
}

// Lister returns the board's full tree, memoized for a short window.
// Invalidate must be called after every mutating remote call; the device
// does this through mpremote.Device.OnMutate.
type Lister struct {
	src  Source
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	snap *snapshot
}

// NewLister builds a Lister reading from src.
func NewLister(src Source, opts Options) *Lister {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyTree
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Lister{src: src, opts: opts, log: logging.Named("remotetree")}
}

func (l *Lister) fresh(s *snapshot, root string) bool {
	return s != nil && s.Key == l.opts.Key && s.Root == root && l.opts.Now().Sub(s.FetchedAt) < l.opts.TTL
}

// ListTree returns every node below root. A failed listing is an error, never
// an empty tree.
func (l *Lister) ListTree(ctx context.Context, root string) ([]Node, error) {
	root = cleanRoot(root)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fresh(l.snap, root) {
		metrics.RemoteListing("memory")
		return cloneNodes(l.snap.Nodes), nil
	}
	if s := l.readCacheFile(); l.fresh(s, root) {
		l.snap = s
		metrics.RemoteListing("file")
		l.log.Debug("tree served from cache file", zap.String("root", root), zap.Int("nodes", len(s.Nodes)))
		return cloneNodes(s.Nodes), nil
	}

	entries, err := l.fetch(ctx, root)
	if err != nil {
		return nil, err
	}
	metrics.RemoteListing("device")

	s := &snapshot{Key: l.opts.Key, Root: root, FetchedAt: l.opts.Now(), Nodes: Nodes(entries)}
	l.snap = s
	l.writeCacheFile(s)
	l.log.Debug("tree listed from device", zap.String("root", root), zap.String("strategy", l.opts.Strategy), zap.Int("nodes", len(s.Nodes)))
	return cloneNodes(s.Nodes), nil
}

func (l *Lister) fetch(ctx context.Context, root string) ([]Entry, error) {
	if l.opts.Strategy == StrategyScript {
		out, err := l.src.WalkJSON(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", root, err)
		}
		return ParseWalk(out, root)
	}
	out, err := l.src.TreeText(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return ParseTree(out, root)
}

// ListChildren returns the direct children of dir, answered from a fresh full
// listing when one covers dir, otherwise with a single "ls" call.
func (l *Lister) ListChildren(ctx context.Context, dir string) ([]Child, error) {
	dir = cleanRoot(dir)

	l.mu.Lock()
	s := l.snap
	l.mu.Unlock()

	if s != nil && l.opts.Now().Sub(s.FetchedAt) < l.opts.TTL && covers(s.Root, dir) {
		var out []Child
		for _, n := range s.Nodes {
			if path.Dir(n.Path) == dir {
				out = append(out, Child{Name: path.Base(n.Path), IsDir: n.IsDir, Size: n.Size})
			}
		}
		metrics.RemoteListing("memory")
		sortChildren(out)
		return out, nil
	}

	entries, err := l.src.Ls(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	metrics.RemoteListing("device")
	out := make([]Child, 0, len(entries))
	for _, e := range entries {
		out = append(out, Child{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
	}
	sortChildren(out)
	return out, nil
}

// Invalidate drops the memoized tree and the cache file.
func (l *Lister) Invalidate() {
	l.mu.Lock()
	root := "/"
	if l.snap != nil {
		root = l.snap.Root
	}
	l.snap = nil
	l.mu.Unlock()

	if l.opts.CachePath != "" {
		if err := os.Remove(l.opts.CachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("remove tree cache file", zap.Error(err))
		}
	}
	events.Publish(l.opts.Bus, events.EventTreeInvalidated, root)
}

// Cached returns the memoized tree if it is still fresh.
func (l *Lister) Cached(root string) ([]Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fresh(l.snap, cleanRoot(root)) {
		return cloneNodes(l.snap.Nodes), true
	}
	return nil, false
}

func (l *Lister) readCacheFile() *snapshot {
	if l.opts.CachePath == "" {
		return nil
	}
	data, err := os.ReadFile(l.opts.CachePath)
	if err != nil {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		l.log.Warn("ignoring unreadable tree cache file", zap.String("path", l.opts.CachePath), zap.Error(err))
		return nil
	}
	return &s
}

func (l *Lister) writeCacheFile(s *snapshot) {
	if l.opts.CachePath == "" {
		return
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(l.opts.CachePath), 0755); err == nil {
			err = os.WriteFile(l.opts.CachePath, data, 0644)
		}
	}
	if err != nil {
		l.log.Warn("write tree cache file", zap.String("path", l.opts.CachePath), zap.Error(err))
	}
}

func covers(root, dir string) bool {
	return root == "/" || dir == root || len(dir) > len(root) && dir[:len(root)+1] == root+"/"
}

func cloneNodes(in []Node) []Node {
	out := make([]Node, len(in))
	copy(out, in)
	return out
}

func sortChildren(cs []Child) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].IsDir != cs[j].IsDir {
			return cs[i].IsDir
		}
		return cs[i].Name < cs[j].Name
	})
}
