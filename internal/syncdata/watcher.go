package syncdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/rjeczalik/notify"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/events"
	"mpy-sync/internal/logging"
)

// DefaultDebounce is how long the watcher waits for the workspace to go quiet
// before uploading.
const DefaultDebounce = 300 * time.Millisecond

// Uploader receives batches of changed workspace-relative files. *Service
// implements it.
type Uploader interface {
	UploadPaths(ctx context.Context, rels []string) (TransferReport, error)
}

// WatchOptions tunes a Watcher.
type WatchOptions struct {
	Debounce time.Duration
	Bus      EventBus.Bus
	// OnBatch is called after every upload with its outcome.
	OnBatch func(TransferReport, error)
}

// Watcher uploads local files to the board as they change. Deletions are not
// mirrored.
type Watcher struct {
	root string
	up   Uploader
	opts WatchOptions
	log  *zap.Logger

	mu      sync.Mutex
	match   Matcher
	pending map[string]struct{}
}

// NewWatcher builds a watcher over the workspace root.
func NewWatcher(root string, up Uploader, opts WatchOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Watcher{
		root:    root,
		up:      up,
		opts:    opts,
		log:     logging.Named("watch"),
		match:   CompileIgnore(root),
		pending: map[string]struct{}{},
	}
}

// Run watches the workspace recursively until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	raw := make(chan notify.EventInfo, 100)
	if err := notify.Watch(filepath.Join(w.root, "..."), raw, notify.Create|notify.Write|notify.Rename); err != nil {
		return fmt.Errorf("failed to setup file watcher: %w", err)
	}
	defer notify.Stop(raw)

	paths := make(chan string, 100)
	go func() {
		defer close(paths)
		for {
			select {
			case <-ctx.Done():
				return
			case ei := <-raw:
				select {
				case paths <- ei.Path():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	w.log.Info("watching workspace", zap.String("root", w.root), zap.Duration("debounce", w.opts.Debounce))
	events.Publish(w.opts.Bus, events.EventWatcherStarted, w.root)
	defer events.Publish(w.opts.Bus, events.EventWatcherStopped, w.root)

	w.loop(ctx, paths)
	return nil
}

// loop collects paths and flushes them once no event arrived for the
// debounce window.
func (w *Watcher) loop(ctx context.Context, paths <-chan string) {
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-paths:
			if !ok {
				return
			}
			if w.handle(p) {
				timer.Reset(w.opts.Debounce)
			}
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// handle queues one changed absolute path and reports whether it was kept.
func (w *Watcher) handle(abs string) bool {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if filepath.Base(abs) == config.IgnoreFileName {
		w.match = CompileIgnore(w.root)
		w.log.Debug("ignore rules reloaded")
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if w.match.Match(rel, false) {
		return false
	}
	w.pending[rel] = struct{}{}
	return true
}

// Pending returns the queued paths in order.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	rels := make([]string, 0, len(w.pending))
	for p := range w.pending {
		rels = append(rels, p)
	}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()
	if len(rels) == 0 {
		return
	}
	sort.Strings(rels)

	report, err := w.up.UploadPaths(ctx, rels)
	if err != nil {
		w.log.Warn("watch upload failed", zap.Strings("paths", rels), zap.Error(err))
	} else {
		w.log.Info("watch upload", zap.Int("succeeded", len(report.Succeeded)), zap.Int("failed", len(report.Failed)))
	}
	if w.opts.OnBatch != nil {
		w.opts.OnBatch(report, err)
	}
}
