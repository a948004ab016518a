package syncdata

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"mpy-sync/internal/syncerr"
)

// DeleteAny removes a file or a whole directory tree from the board. When the
// tool's recursive remove refuses a non-empty directory, the tree is removed
// by hand, depth first.
func (e *Executor) DeleteAny(ctx context.Context, devicePath string) error {
	p := path.Clean("/" + devicePath)
	if p == "/" || p == e.RemoteRoot {
		return fmt.Errorf("refusing to delete the remote root %s", p)
	}

	info, err := e.Remote.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !info.Exists {
		return &syncerr.FilesystemStateError{Kind: syncerr.NotFound, Path: p}
	}

	if !info.IsDir {
		if err := e.Remote.Remove(ctx, p); err != nil {
			return err
		}
		e.forget(p)
		return nil
	}

	err = e.Remote.RemoveRecursive(ctx, p)
	if syncerr.IsFSKind(err, syncerr.DirNotEmpty) {
		e.logger().Info("recursive remove refused, deleting by hand", zap.String("dir", p))
		err = e.removeTree(ctx, p)
	}
	if err != nil {
		return err
	}
	e.forget(p)
	return nil
}

// removeTree lists dir, removes its files, recurses into subdirectories and
// removes dir last.
func (e *Executor) removeTree(ctx context.Context, dir string) error {
	entries, err := e.Remote.Ls(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, en := range entries {
		if en.IsDir {
			continue
		}
		if err := e.Remote.Remove(ctx, path.Join(dir, en.Name)); err != nil {
			return err
		}
	}
	for _, en := range entries {
		if !en.IsDir {
			continue
		}
		if err := e.removeTree(ctx, path.Join(dir, en.Name)); err != nil {
			return err
		}
	}
	return e.Remote.Rmdir(ctx, dir)
}

// WipeRemote deletes every child of the remote root, never the root itself.
func (e *Executor) WipeRemote(ctx context.Context) (TransferReport, error) {
	report := TransferReport{Verb: "wipe"}
	entries, err := e.Remote.Ls(ctx, e.RemoteRoot)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", e.RemoteRoot, err)
	}
	for _, en := range entries {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		p := path.Join(e.RemoteRoot, en.Name)
		if err := e.DeleteAny(ctx, p); err != nil {
			if isCancel(ctx, err) {
				report.Cancelled = true
				break
			}
			e.logger().Warn("wipe: delete failed", zap.String("path", p), zap.Error(err))
			report.fail(p, err)
			continue
		}
		report.ok(p)
	}
	return report, nil
}

// CreateDir creates devicePath and any missing parents.
func (e *Executor) CreateDir(ctx context.Context, devicePath string) error {
	p := path.Clean("/" + devicePath)
	dirs := PlanRemoteDirs([]string{p}, "/")
	dirs = append(dirs, p)
	for _, d := range dirs {
		if err := e.Remote.Mkdir(ctx, d); err != nil {
			return err
		}
		e.remember(d, true, 0)
	}
	return nil
}

// CreateFile creates an empty file, creating missing parents first.
func (e *Executor) CreateFile(ctx context.Context, devicePath string) error {
	p := path.Clean("/" + devicePath)
	err := e.Remote.Touch(ctx, p)
	if syncerr.IsFSKind(err, syncerr.NotFound) {
		if err = e.CreateDir(ctx, parentOf(p)); err == nil {
			err = e.Remote.Touch(ctx, p)
		}
	}
	if err != nil {
		return err
	}
	e.remember(p, false, 0)
	return nil
}

// Rename moves a file or directory. An existing target is not replaced.
func (e *Executor) Rename(ctx context.Context, from, to string) error {
	from, to = path.Clean("/"+from), path.Clean("/"+to)
	if from == to {
		return nil
	}
	info, err := e.Remote.Stat(ctx, to)
	if err != nil {
		return err
	}
	if info.Exists {
		return &syncerr.FilesystemStateError{Kind: syncerr.Exists, Path: to}
	}
	src, err := e.Remote.Stat(ctx, from)
	if err != nil {
		return err
	}
	if !src.Exists {
		return &syncerr.FilesystemStateError{Kind: syncerr.NotFound, Path: from}
	}
	if err := e.Remote.Rename(ctx, from, to); err != nil {
		return err
	}
	if mv, ok := e.Known.(interface{ Move(from, to string) error }); ok {
		if err := mv.Move(from, to); err != nil {
			e.logger().Warn("known-files move failed", zap.String("from", from), zap.Error(err))
		}
		return nil
	}
	e.forget(from)
	e.remember(to, src.IsDir, src.Size)
	return nil
}
