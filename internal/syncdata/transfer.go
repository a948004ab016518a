package syncdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mpy-sync/internal/logging"
	"mpy-sync/internal/metrics"
	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/syncerr"
)

// Remote is the board command set the executor drives. *mpremote.Device
// implements it.
type Remote interface {
	Stat(ctx context.Context, p string) (mpremote.StatInfo, error)
	Ls(ctx context.Context, dir string) ([]mpremote.LsEntry, error)
	Mkdir(ctx context.Context, p string) error
	CopyTo(ctx context.Context, localPath, remotePath string) error
	CopyFrom(ctx context.Context, remotePath, localPath string) error
	Remove(ctx context.Context, p string) error
	RemoveRecursive(ctx context.Context, p string) error
	Rmdir(ctx context.Context, p string) error
	Touch(ctx context.Context, p string) error
	Rename(ctx context.Context, from, to string) error
}

// KnownFiles is the incrementally maintained index of remote paths.
type KnownFiles interface {
	Add(devicePath string, isDir bool, size int64) error
	Remove(devicePath string) error
}

// Executor applies transfers and deletions one item at a time.
type Executor struct {
	Remote     Remote
	LocalRoot  string
	RemoteRoot string
	Known      KnownFiles

	// MkdirAttempts bounds the per-directory creation loop; MkdirDelay is the
	// pause between attempts.
	MkdirAttempts int
	MkdirDelay    time.Duration

	log *zap.Logger
}

// NewExecutor builds an executor with the default directory retry policy.
func NewExecutor(remote Remote, localRoot, remoteRoot string, known KnownFiles) *Executor {
	return &Executor{
		Remote:        remote,
		LocalRoot:     localRoot,
		RemoteRoot:    NormalizeRoot(remoteRoot),
		Known:         known,
		MkdirAttempts: 3,
		MkdirDelay:    150 * time.Millisecond,
		log:           logging.Named("transfer"),
	}
}

func (e *Executor) logger() *zap.Logger {
	if e.log == nil {
		e.log = logging.Named("transfer")
	}
	return e.log
}

func (e *Executor) remember(p string, isDir bool, size int64) {
	if e.Known == nil {
		return
	}
	if err := e.Known.Add(p, isDir, size); err != nil {
		e.logger().Warn("known-files update failed", zap.String("path", p), zap.Error(err))
	}
}

func (e *Executor) forget(p string) {
	if e.Known == nil {
		return
	}
	if err := e.Known.Remove(p); err != nil {
		e.logger().Warn("known-files update failed", zap.String("path", p), zap.Error(err))
	}
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, syncerr.ErrCancelled) || errors.Is(err, context.Canceled)
}

// mkdirWithRetry creates one directory, trying up to MkdirAttempts times.
func (e *Executor) mkdirWithRetry(ctx context.Context, dir string) error {
	attempts := e.MkdirAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = e.Remote.Mkdir(ctx, dir); err == nil {
			e.remember(dir, true, 0)
			return nil
		}
		if isCancel(ctx, err) || i == attempts {
			break
		}
		e.logger().Debug("mkdir failed, retrying", zap.String("dir", dir), zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.MkdirDelay):
		}
	}
	return err
}

// createDirs runs the creation loop over dirs (already ordered shallowest
// first) and returns the ones that still failed.
func (e *Executor) createDirs(ctx context.Context, dirs []string) ([]string, error) {
	var failed []string
	for _, d := range dirs {
		if err := e.mkdirWithRetry(ctx, d); err != nil {
			if isCancel(ctx, err) {
				return failed, err
			}
			e.logger().Warn("mkdir failed", zap.String("dir", d), zap.Error(err))
			failed = append(failed, d)
		}
	}
	return failed, nil
}

// missingDirs stats every dir and returns the ones that are not directories.
func (e *Executor) missingDirs(ctx context.Context, dirs []string) ([]string, error) {
	var missing []string
	for _, d := range dirs {
		info, err := e.Remote.Stat(ctx, d)
		if err != nil && isCancel(ctx, err) {
			return missing, err
		}
		if err != nil || !info.Exists || !info.IsDir {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// EnsureRemoteDirs creates dirs in order, verifies them, makes one more
// creation pass over anything missing and fails only if directories are
// still missing after that.
func (e *Executor) EnsureRemoteDirs(ctx context.Context, dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	if _, err := e.createDirs(ctx, dirs); err != nil {
		return err
	}
	missing, err := e.missingDirs(ctx, dirs)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	e.logger().Warn("directories missing after creation, retrying", zap.Strings("dirs", missing))
	if _, err := e.createDirs(ctx, missing); err != nil {
		return err
	}
	still, err := e.missingDirs(ctx, missing)
	if err != nil {
		return err
	}
	if len(still) > 0 {
		return fmt.Errorf("remote directories could not be created: %s", strings.Join(still, ", "))
	}
	return nil
}

// uploadOne copies one local file. A NotFound from the board means the
// parent directory is missing: create it and retry exactly once.
func (e *Executor) uploadOne(ctx context.Context, local, remote string) error {
	err := e.Remote.CopyTo(ctx, local, remote)
	if err == nil || !syncerr.IsFSKind(err, syncerr.NotFound) {
		return err
	}
	if _, serr := os.Stat(local); serr != nil {
		return fmt.Errorf("local source vanished: %w", serr)
	}
	parents := PlanRemoteDirs([]string{remote}, e.RemoteRoot)
	for _, d := range parents {
		if merr := e.Remote.Mkdir(ctx, d); merr != nil {
			return fmt.Errorf("create parent %s: %w", d, merr)
		}
		e.remember(d, true, 0)
	}
	return e.Remote.CopyTo(ctx, local, remote)
}

// UploadBaseline pushes every manifest file to the board. Directories are
// created first; a directory that cannot be created is the only fatal error.
func (e *Executor) UploadBaseline(ctx context.Context, m *Manifest) (TransferReport, error) {
	report := TransferReport{Verb: "upload"}
	if m == nil || m.Len() == 0 {
		return report, nil
	}

	devicePaths := make([]string, 0, m.Len())
	for _, en := range m.Entries {
		devicePaths = append(devicePaths, ToDevicePath(en.Path, e.RemoteRoot))
	}
	if err := e.EnsureRemoteDirs(ctx, PlanRemoteDirs(devicePaths, e.RemoteRoot)); err != nil {
		if isCancel(ctx, err) {
			report.Cancelled = true
			return report, nil
		}
		return report, err
	}

	var valid []ManifestEntry
	for _, en := range m.Entries {
		if _, err := os.Stat(localPath(e.LocalRoot, en.Path)); err != nil {
			e.logger().Warn("local file disappeared, skipping", zap.String("path", en.Path))
			report.skip(ToDevicePath(en.Path, e.RemoteRoot))
			continue
		}
		valid = append(valid, en)
	}

	for _, en := range valid {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		remote := ToDevicePath(en.Path, e.RemoteRoot)
		if err := e.uploadOne(ctx, localPath(e.LocalRoot, en.Path), remote); err != nil {
			if isCancel(ctx, err) {
				report.Cancelled = true
				break
			}
			e.logger().Warn("upload failed", zap.String("path", remote), zap.Error(err))
			metrics.FileTransferred(Up.String(), "error")
			report.failDir(remote, Up, err)
			continue
		}
		metrics.FileTransferred(Up.String(), "ok")
		e.remember(remote, false, en.Size)
		report.ok(remote)
	}
	return report, nil
}

// DownloadBaseline copies every file node into destRoot, recreating the
// directory layout. Nodes outside the remote root are ignored.
func (e *Executor) DownloadBaseline(ctx context.Context, nodes []remotetree.Node, destRoot string) (TransferReport, error) {
	report := TransferReport{Verb: "download"}
	if destRoot == "" {
		destRoot = e.LocalRoot
	}
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return report, fmt.Errorf("create %s: %w", destRoot, err)
	}

	for _, n := range nodes {
		if !n.IsDir {
			continue
		}
		rel := ToLocalRelative(n.Path, e.RemoteRoot)
		if rel == "" {
			continue
		}
		// A directory is never copied, so it has no direction to retry in.
		// Files below it fail on their own and are retried as downloads.
		if err := os.MkdirAll(localPath(destRoot, rel), 0755); err != nil {
			e.logger().Warn("create local directory failed", zap.String("path", n.Path), zap.Error(err))
			report.skip(n.Path)
		}
	}

	for _, n := range nodes {
		if n.IsDir {
			continue
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		rel := ToLocalRelative(n.Path, e.RemoteRoot)
		if rel == "" {
			continue
		}
		if err := e.downloadOne(ctx, n.Path, localPath(destRoot, rel)); err != nil {
			if isCancel(ctx, err) {
				report.Cancelled = true
				break
			}
			e.logger().Warn("download failed", zap.String("path", n.Path), zap.Error(err))
			metrics.FileTransferred(Down.String(), "error")
			report.failDir(n.Path, Down, err)
			continue
		}
		metrics.FileTransferred(Down.String(), "ok")
		report.ok(n.Path)
	}
	return report, nil
}

func (e *Executor) downloadOne(ctx context.Context, remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	return e.Remote.CopyFrom(ctx, remote, local)
}

// ApplyDiff transfers the given device paths in one direction. Every item is
// independent: failures are recorded and the loop moves on.
func (e *Executor) ApplyDiff(ctx context.Context, dir Direction, devicePaths []string) TransferReport {
	report := TransferReport{Verb: "sync-" + dir.String()}
	if len(devicePaths) == 0 {
		return report
	}

	if dir == Up {
		// Best effort: uploadOne repairs missing parents per file.
		if _, err := e.createDirs(ctx, PlanRemoteDirs(devicePaths, e.RemoteRoot)); err != nil && isCancel(ctx, err) {
			report.Cancelled = true
			return report
		}
	}

	for _, p := range devicePaths {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		rel := ToLocalRelative(p, e.RemoteRoot)
		if rel == "" {
			report.failDir(p, dir, fmt.Errorf("outside remote root %s", e.RemoteRoot))
			continue
		}
		local := localPath(e.LocalRoot, rel)

		var err error
		var size int64
		if dir == Up {
			info, serr := os.Stat(local)
			if serr != nil {
				err = fmt.Errorf("local source: %w", serr)
			} else {
				size = info.Size()
				err = e.uploadOne(ctx, local, p)
			}
		} else {
			err = e.downloadOne(ctx, p, local)
		}

		if err != nil {
			if isCancel(ctx, err) {
				report.Cancelled = true
				break
			}
			e.logger().Warn("transfer failed", zap.String("direction", dir.String()), zap.String("path", p), zap.Error(err))
			metrics.FileTransferred(dir.String(), "error")
			report.failDir(p, dir, err)
			continue
		}
		metrics.FileTransferred(dir.String(), "ok")
		if dir == Up {
			e.remember(p, false, size)
		}
		report.ok(p)
	}
	return report
}

// parentOf returns the device directory holding p.
func parentOf(p string) string {
	return path.Dir(path.Clean("/" + p))
}
