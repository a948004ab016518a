package syncdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/events"
	"mpy-sync/internal/gate"
	"mpy-sync/internal/logging"
	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/syncerr"
)

// KnownIndex is KnownFiles plus wholesale replacement after a full listing.
type KnownIndex interface {
	KnownFiles
	ReplaceAll(nodes []remotetree.Node) error
}

// Prefer decides which side wins for changed files in SyncBoth.
type Prefer string

const (
	PreferLocal  Prefer = "local"
	PreferRemote Prefer = "remote"
)

// ServiceOptions wires a Service.
type ServiceOptions struct {
	Root   string
	Config *config.Config
	Runner mpremote.Runner
	Known  KnownIndex
	Gates  *gate.Manager
	Bus    EventBus.Bus
}

// Service exposes one method per user-facing verb. Every method that touches
// the board runs as a single job on the port's gate.
type Service struct {
	Root   string
	Config *config.Config
	State  config.State

	runner mpremote.Runner
	known  KnownIndex
	gates  *gate.Manager
	bus    EventBus.Bus
	log    *zap.Logger

	mu   sync.Mutex
	conn *connection
}

type connection struct {
	port   string
	gate   *gate.Gate
	device *mpremote.Device
	lister *remotetree.Lister
	exec   *Executor
}

// NewService validates the workspace and builds a service. The port is
// checked lazily by the verbs that need it.
func NewService(opts ServiceOptions) (*Service, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, syncerr.NewConfigurationError("workspace", "no workspace folder is open")
	}
	info, err := os.Stat(opts.Root)
	if err != nil || !info.IsDir() {
		return nil, syncerr.NewConfigurationError("workspace", opts.Root+" is not a directory")
	}
	if opts.Runner == nil {
		return nil, syncerr.NewConfigurationError("tool", "no device tool runner configured")
	}
	cfg := opts.Config
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	gates := opts.Gates
	if gates == nil {
		mc := gate.ManagerConfig{AutoSuspend: cfg.AutoSuspend, SettleDelay: cfg.SettleDelay(), Bus: opts.Bus}
		if k, ok := opts.Runner.(gate.Killer); ok {
			mc.Killer = k
		}
		gates = gate.NewManager(mc)
	}
	return &Service{
		Root:   opts.Root,
		Config: cfg,
		State:  config.NewState(opts.Root),
		runner: opts.Runner,
		known:  opts.Known,
		gates:  gates,
		bus:    opts.Bus,
		log:    logging.Named("service"),
	}, nil
}

type mutationNotifier struct {
	bus  EventBus.Bus
	port string
}

func (n mutationNotifier) Invalidate() {
	events.Publish(n.bus, events.EventRemoteMutated, n.port, "")
}

func (s *Service) connect() (*connection, error) {
	port, err := s.Config.RequirePort()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a gate evicted by the idle sweeper is replaced with a fresh connection
	if s.conn != nil && s.conn.port == port && !s.conn.gate.Closed() {
		return s.conn, nil
	}
	g, err := s.gates.Gate(port)
	if err != nil {
		return nil, err
	}
	dev := mpremote.NewDevice(s.runner, port, s.Config.RetryConfig())
	lister := remotetree.NewLister(dev, remotetree.Options{
		Strategy:  s.Config.ListStrategy,
		TTL:       s.Config.TreeCacheTTL,
		CachePath: s.State.TreeCachePath(),
		Key:       port,
		Bus:       s.bus,
	})
	dev.OnMutate(lister)
	dev.OnMutate(mutationNotifier{bus: s.bus, port: port})

	var known KnownFiles
	if s.known != nil {
		known = s.known
	}
	s.conn = &connection{
		port:   port,
		gate:   g,
		device: dev,
		lister: lister,
		exec:   NewExecutor(dev, s.Root, s.Config.RemoteRoot, known),
	}
	return s.conn, nil
}

// Gate returns the gate of the configured port.
func (s *Service) Gate() (*gate.Gate, error) {
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	return c.gate, nil
}

// Device returns the device client of the configured port.
func (s *Service) Device() (*mpremote.Device, error) {
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	return c.device, nil
}

func (s *Service) do(ctx context.Context, opts gate.Options, fn func(ctx context.Context, c *connection) error) error {
	c, err := s.connect()
	if err != nil {
		return err
	}
	return c.gate.Do(ctx, opts, func(ctx context.Context) error {
		return fn(ctx, c)
	})
}

// Cancel force-stops whatever is running on any connection.
func (s *Service) Cancel() int {
	return s.gates.CancelAll()
}

// Close shuts the connection gates down.
func (s *Service) Close() {
	s.gates.Close()
}

func (s *Service) remoteRoot() string {
	return NormalizeRoot(s.Config.RemoteRoot)
}

// Ignore compiles the workspace's ignore rules. They are re-read on every
// call so edits to .mpyignore apply to the next operation.
func (s *Service) Ignore() *IgnoreMatcher {
	return CompileIgnore(s.Root)
}

func (s *Service) manifestOptions() ManifestOptions {
	return ManifestOptions{Fingerprint: s.Config.Fingerprint}
}

// BuildManifest scans the workspace now.
func (s *Service) BuildManifest() (*Manifest, error) {
	return BuildManifest(s.Root, s.Ignore(), s.manifestOptions())
}

func (s *Service) saveManifest(m *Manifest) {
	if err := m.Save(s.State.ManifestPath()); err != nil {
		s.log.Warn("could not save manifest", zap.Error(err))
	}
}

func (s *Service) published(r TransferReport) TransferReport {
	events.Publish(s.bus, events.EventTransferCompleted, r.Verb, len(r.Succeeded), len(r.Failed))
	s.log.Info("batch finished", zap.String("verb", r.Verb), zap.Int("succeeded", len(r.Succeeded)),
		zap.Int("failed", len(r.Failed)), zap.Int("skipped", len(r.Skipped)), zap.Bool("cancelled", r.Cancelled))
	return r
}

func (s *Service) refreshKnown(nodes []remotetree.Node) {
	if s.known == nil {
		return
	}
	if err := s.known.ReplaceAll(nodes); err != nil {
		s.log.Warn("known-files refresh failed", zap.Error(err))
	}
}

// Init creates the state directory and ignore file and records the first
// manifest. It does not touch the board.
func (s *Service) Init() (*Manifest, error) {
	if err := s.State.Ensure(); err != nil {
		return nil, err
	}
	m, err := s.BuildManifest()
	if err != nil {
		return nil, err
	}
	if err := m.Save(s.State.ManifestPath()); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	return m, nil
}

// Upload pushes the whole workspace to the board, or only the given paths.
func (s *Service) Upload(ctx context.Context, only ...string) (TransferReport, error) {
	m, err := s.BuildManifest()
	if err != nil {
		return TransferReport{}, err
	}
	scope := NewScope(s.Root, only)
	var report TransferReport
	err = s.do(ctx, gate.Options{Name: "upload"}, func(ctx context.Context, c *connection) error {
		var uerr error
		report, uerr = c.exec.UploadBaseline(ctx, scope.FilterManifest(m))
		return uerr
	})
	if err != nil {
		return report, err
	}
	if report.Clean() && scope.All() {
		s.saveManifest(m)
	}
	return s.published(report), nil
}

// Download copies the board tree under the remote root (or only the given
// paths) into dest, the workspace when dest is empty.
func (s *Service) Download(ctx context.Context, dest string, only ...string) (TransferReport, error) {
	if dest == "" {
		dest = s.Root
	}
	match := s.Ignore()
	scope := NewScope(s.Root, only)
	var report TransferReport
	err := s.do(ctx, gate.Options{Name: "download"}, func(ctx context.Context, c *connection) error {
		nodes, err := c.lister.ListTree(ctx, s.remoteRoot())
		if err != nil {
			return err
		}
		s.refreshKnown(nodes)
		var keep []remotetree.Node
		for _, n := range FilterNodes(nodes, match, s.remoteRoot()) {
			if scope.Contains(ToLocalRelative(n.Path, s.remoteRoot())) {
				keep = append(keep, n)
			}
		}
		report, err = c.exec.DownloadBaseline(ctx, keep, dest)
		return err
	})
	if err != nil {
		return report, err
	}
	if report.Clean() && dest == s.Root && scope.All() {
		if m, merr := s.BuildManifest(); merr == nil {
			s.saveManifest(m)
		}
	}
	return s.published(report), nil
}

// FilterNodes drops nodes outside root and nodes the matcher ignores.
func FilterNodes(nodes []remotetree.Node, match Matcher, root string) []remotetree.Node {
	out := make([]remotetree.Node, 0, len(nodes))
	for _, n := range nodes {
		rel := ToLocalRelative(n.Path, root)
		if rel == "" || match.Match(rel, n.IsDir) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *Service) diffLocked(ctx context.Context, c *connection) (DiffResult, *Manifest, error) {
	m, err := s.BuildManifest()
	if err != nil {
		return DiffResult{}, nil, err
	}
	nodes, err := c.lister.ListTree(ctx, s.remoteRoot())
	if err != nil {
		return DiffResult{}, nil, err
	}
	s.refreshKnown(nodes)

	var opts DiffOptions
	if s.Config.Fingerprint == config.FingerprintXXHash {
		if base, lerr := LoadManifest(s.State.ManifestPath()); lerr == nil {
			opts.Baseline = base
		}
	}
	return Diff(m, nodes, s.Ignore(), s.remoteRoot(), opts), m, nil
}

// CheckDiff compares the workspace with the board.
func (s *Service) CheckDiff(ctx context.Context) (DiffResult, error) {
	var res DiffResult
	err := s.do(ctx, gate.Options{Name: "diff"}, func(ctx context.Context, c *connection) error {
		var err error
		res, _, err = s.diffLocked(ctx, c)
		return err
	})
	return res, err
}

// SyncUp uploads changed and local-only files, optionally only below the
// given paths.
func (s *Service) SyncUp(ctx context.Context, only ...string) (TransferReport, error) {
	return s.syncDirections(ctx, "sync-up", true, false, PreferLocal, NewScope(s.Root, only))
}

// SyncDown downloads changed and remote-only files.
func (s *Service) SyncDown(ctx context.Context, only ...string) (TransferReport, error) {
	return s.syncDirections(ctx, "sync-down", false, true, PreferRemote, NewScope(s.Root, only))
}

// SyncBoth uploads local-only files, downloads remote-only files and moves
// changed files in the direction of prefer.
func (s *Service) SyncBoth(ctx context.Context, prefer Prefer, only ...string) (TransferReport, error) {
	if prefer == "" {
		prefer = PreferLocal
	}
	if prefer != PreferLocal && prefer != PreferRemote {
		return TransferReport{}, syncerr.NewConfigurationError("prefer", fmt.Sprintf("must be %q or %q", PreferLocal, PreferRemote))
	}
	return s.syncDirections(ctx, "sync", true, true, prefer, NewScope(s.Root, only))
}

func (s *Service) syncDirections(ctx context.Context, verb string, up, down bool, prefer Prefer, scope Scope) (TransferReport, error) {
	report := TransferReport{Verb: verb}
	root := s.remoteRoot()
	err := s.do(ctx, gate.Options{Name: verb}, func(ctx context.Context, c *connection) error {
		diff, _, err := s.diffLocked(ctx, c)
		if err != nil {
			return err
		}
		if up {
			paths := append([]string(nil), diff.LocalOnlyFiles...)
			if prefer == PreferLocal {
				paths = append(paths, diff.Changed...)
			}
			report.Merge(c.exec.ApplyDiff(ctx, Up, scope.FilterDevicePaths(paths, root)))
		}
		if down && !report.Cancelled {
			paths := append([]string(nil), diff.RemoteOnlyFiles...)
			if prefer == PreferRemote {
				paths = append(paths, diff.Changed...)
			}
			report.Merge(c.exec.ApplyDiff(ctx, Down, scope.FilterDevicePaths(paths, root)))
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if report.Clean() && scope.All() {
		if m, merr := s.BuildManifest(); merr == nil {
			s.saveManifest(m)
		}
	}
	return s.published(report), nil
}

// UploadPaths uploads specific workspace-relative files, jumping ahead of any
// queued work. Used by watch mode.
func (s *Service) UploadPaths(ctx context.Context, rels []string) (TransferReport, error) {
	match := s.Ignore()
	var devicePaths []string
	for _, rel := range rels {
		rel = normalizeRel(rel)
		if rel == "" || match.Match(rel, false) {
			continue
		}
		devicePaths = append(devicePaths, ToDevicePath(rel, s.remoteRoot()))
	}
	report := TransferReport{Verb: "sync-up"}
	if len(devicePaths) == 0 {
		return report, nil
	}
	err := s.do(ctx, gate.Options{Name: "watch-upload", Preempt: true}, func(ctx context.Context, c *connection) error {
		report = c.exec.ApplyDiff(ctx, Up, devicePaths)
		return nil
	})
	if err != nil {
		return report, err
	}
	return s.published(report), nil
}

// RetryFailed re-runs the failed items of an earlier batch in their original
// direction. Failed deletions are retried as deletions; a path that is already
// gone counts as done.
func (s *Service) RetryFailed(ctx context.Context, prev TransferReport) (TransferReport, error) {
	report := TransferReport{Verb: strings.TrimSuffix(prev.Verb, " retry") + " retry"}
	if len(prev.Failed) == 0 {
		return report, nil
	}
	err := s.do(ctx, gate.Options{Name: "retry"}, func(ctx context.Context, c *connection) error {
		if up := prev.FailedPaths(Up.String()); len(up) > 0 {
			report.Merge(c.exec.ApplyDiff(ctx, Up, up))
		}
		if down := prev.FailedPaths(Down.String()); len(down) > 0 && !report.Cancelled {
			report.Merge(c.exec.ApplyDiff(ctx, Down, down))
		}
		for _, p := range prev.FailedPaths("") {
			if report.Cancelled || ctx.Err() != nil {
				report.Cancelled = true
				break
			}
			err := c.exec.DeleteAny(ctx, p)
			switch {
			case err == nil, syncerr.IsFSKind(err, syncerr.NotFound):
				report.ok(p)
			case isCancel(ctx, err):
				report.Cancelled = true
			default:
				report.fail(p, err)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	return s.published(report), nil
}

// ResolvePath turns a device path (":/lib/a.py", "/lib/a.py") or a path
// relative to the remote root into an absolute device path.
func (s *Service) ResolvePath(p string) (string, error) {
	p = strings.TrimSpace(strings.TrimPrefix(p, ":"))
	if p == "" {
		return "", syncerr.NewConfigurationError("path", "a path is required")
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p), nil
	}
	if strings.Contains("/"+p+"/", "/../") {
		return "", syncerr.NewConfigurationError("path", p+" escapes the remote root")
	}
	return ToDevicePath(p, s.remoteRoot()), nil
}

// CreateFile creates an empty file on the board.
func (s *Service) CreateFile(ctx context.Context, p string) error {
	dp, err := s.ResolvePath(p)
	if err != nil {
		return err
	}
	return s.do(ctx, gate.Options{Name: "touch"}, func(ctx context.Context, c *connection) error {
		return c.exec.CreateFile(ctx, dp)
	})
}

// CreateDir creates a directory (and parents) on the board.
func (s *Service) CreateDir(ctx context.Context, p string) error {
	dp, err := s.ResolvePath(p)
	if err != nil {
		return err
	}
	return s.do(ctx, gate.Options{Name: "mkdir"}, func(ctx context.Context, c *connection) error {
		return c.exec.CreateDir(ctx, dp)
	})
}

// Rename moves a file or directory on the board.
func (s *Service) Rename(ctx context.Context, from, to string) error {
	src, err := s.ResolvePath(from)
	if err != nil {
		return err
	}
	dst, err := s.ResolvePath(to)
	if err != nil {
		return err
	}
	return s.do(ctx, gate.Options{Name: "mv"}, func(ctx context.Context, c *connection) error {
		return c.exec.Rename(ctx, src, dst)
	})
}

// Delete removes a file or directory tree from the board.
func (s *Service) Delete(ctx context.Context, p string) error {
	dp, err := s.ResolvePath(p)
	if err != nil {
		return err
	}
	return s.do(ctx, gate.Options{Name: "rm"}, func(ctx context.Context, c *connection) error {
		return c.exec.DeleteAny(ctx, dp)
	})
}

// WipeRemote deletes everything under the remote root.
func (s *Service) WipeRemote(ctx context.Context) (TransferReport, error) {
	var report TransferReport
	err := s.do(ctx, gate.Options{Name: "wipe"}, func(ctx context.Context, c *connection) error {
		var err error
		report, err = c.exec.WipeRemote(ctx)
		return err
	})
	if err != nil {
		return report, err
	}
	return s.published(report), nil
}

// ListTree returns the board tree under dir (the remote root when empty).
func (s *Service) ListTree(ctx context.Context, dir string) ([]remotetree.Node, error) {
	root := s.remoteRoot()
	if dir != "" {
		var err error
		if root, err = s.ResolvePath(dir); err != nil {
			return nil, err
		}
	}
	var nodes []remotetree.Node
	err := s.do(ctx, gate.Options{Name: "tree"}, func(ctx context.Context, c *connection) error {
		var err error
		nodes, err = c.lister.ListTree(ctx, root)
		return err
	})
	return nodes, err
}

// ListChildren returns the direct children of dir.
func (s *Service) ListChildren(ctx context.Context, dir string) ([]remotetree.Child, error) {
	target := s.remoteRoot()
	if dir != "" {
		var err error
		if target, err = s.ResolvePath(dir); err != nil {
			return nil, err
		}
	}
	var children []remotetree.Child
	err := s.do(ctx, gate.Options{Name: "ls"}, func(ctx context.Context, c *connection) error {
		var err error
		children, err = c.lister.ListChildren(ctx, target)
		return err
	})
	return children, err
}

// Reset soft-resets the board. It is best effort: failures are logged only.
func (s *Service) Reset(ctx context.Context) {
	err := s.do(ctx, gate.Options{Name: "reset"}, func(ctx context.Context, c *connection) error {
		err := c.device.Reset(ctx)
		c.lister.Invalidate()
		return err
	})
	if err != nil {
		s.log.Warn("reset failed", zap.Error(err))
	}
}

// Exec runs code on the board and returns its output.
func (s *Service) Exec(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", syncerr.NewConfigurationError("code", "nothing to run")
	}
	var out string
	err := s.do(ctx, gate.Options{Name: "exec"}, func(ctx context.Context, c *connection) error {
		var err error
		out, err = c.device.Exec(ctx, code)
		return err
	})
	return out, err
}

// Ports lists the serial devices the tool can see. It needs no port.
func (s *Service) Ports(ctx context.Context) ([]mpremote.Port, error) {
	return mpremote.ListPorts(ctx, s.runner)
}

// IsNoManifest reports whether err means sync was never initialised.
func IsNoManifest(err error) bool {
	return errors.Is(err, ErrNoManifest)
}
