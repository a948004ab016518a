package mpremote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mpy-sync/internal/logging"
	"mpy-sync/internal/retry"
	"mpy-sync/internal/syncerr"
)

// Invalidator is told about every successful mutating call.
type Invalidator interface {
	Invalidate()
}

// StatInfo is what the board reports for a path.
type StatInfo struct {
	Exists bool
	IsDir  bool
	Size   int64
}

// Device is the command set of the device-control tool bound to one port.
// Every call goes through retry for transient connection errors.
type Device struct {
	runner Runner
	port   string
	retry  retry.Config
	log    *zap.Logger

	invalidators []Invalidator
}

// NewDevice binds runner to port.
func NewDevice(runner Runner, port string, rc retry.Config) *Device {
	return &Device{
		runner: runner,
		port:   port,
		retry:  rc,
		log:    logging.Named("device").With(zap.String("port", port)),
	}
}

// Port returns the serial port the device is bound to.
func (d *Device) Port() string { return d.port }

// Runner exposes the underlying runner so callers can share it (ports listing, REPL).
func (d *Device) Runner() Runner { return d.runner }

// OnMutate registers inv to be invalidated after every successful mutation.
func (d *Device) OnMutate(inv Invalidator) {
	d.invalidators = append(d.invalidators, inv)
}

func (d *Device) mutated() {
	for _, inv := range d.invalidators {
		inv.Invalidate()
	}
}

func (d *Device) run(ctx context.Context, op, path string, args ...string) (string, error) {
	argv := append([]string{"connect", d.port}, args...)
	return retry.DoWithResult(ctx, d.retry, op, func() (string, error) {
		res, err := d.runner.Run(ctx, argv)
		if err != nil {
			cerr := classify(op, path, res, err)
			if syncerr.IsTransient(cerr) {
				d.log.Warn("transient tool failure", zap.String("op", op), zap.Error(err))
			}
			return "", cerr
		}
		return res.Stdout, nil
	})
}

func remote(p string) string {
	return ":" + p
}

// TreeText returns the raw recursive listing (with sizes) of root.
func (d *Device) TreeText(ctx context.Context, root string) (string, error) {
	return d.run(ctx, "tree", root, "fs", "tree", "-s", remote(root))
}

// WalkJSON runs the structured walker script and returns its JSON-lines output.
func (d *Device) WalkJSON(ctx context.Context, root string) (string, error) {
	return d.run(ctx, "walk", root, "exec", walkScript(root))
}

// Ls lists the immediate children of dir.
func (d *Device) Ls(ctx context.Context, dir string) ([]LsEntry, error) {
	out, err := d.run(ctx, "ls", dir, "fs", "ls", remote(dir))
	if err != nil {
		return nil, err
	}
	return ParseLs(out), nil
}

// Stat reports whether p exists and whether it is a directory.
func (d *Device) Stat(ctx context.Context, p string) (StatInfo, error) {
	out, err := d.run(ctx, "stat", p, "exec", statScript(p))
	if err != nil {
		return StatInfo{}, err
	}
	return parseStat(out)
}

// Mkdir creates one directory. An already existing directory is not an error.
func (d *Device) Mkdir(ctx context.Context, p string) error {
	_, err := d.run(ctx, "mkdir", p, "fs", "mkdir", remote(p))
	if syncerr.IsFSKind(err, syncerr.Exists) {
		return nil
	}
	if err != nil {
		return err
	}
	d.mutated()
	return nil
}

// CopyTo uploads a local file, replacing any existing remote file.
func (d *Device) CopyTo(ctx context.Context, localPath, remotePath string) error {
	if _, err := d.run(ctx, "cp", remotePath, "fs", "cp", "-f", localPath, remote(remotePath)); err != nil {
		return err
	}
	d.mutated()
	return nil
}

// CopyFrom downloads a remote file to localPath.
func (d *Device) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	_, err := d.run(ctx, "cp", remotePath, "fs", "cp", remote(remotePath), localPath)
	return err
}

// Remove deletes a single file.
func (d *Device) Remove(ctx context.Context, p string) error {
	if _, err := d.run(ctx, "rm", p, "fs", "rm", remote(p)); err != nil {
		return err
	}
	d.mutated()
	return nil
}

// RemoveRecursive asks the tool to delete a directory tree.
func (d *Device) RemoveRecursive(ctx context.Context, p string) error {
	if _, err := d.run(ctx, "rm", p, "fs", "rm", "-r", remote(p)); err != nil {
		return err
	}
	d.mutated()
	return nil
}

// Rmdir removes an empty directory.
func (d *Device) Rmdir(ctx context.Context, p string) error {
	if _, err := d.run(ctx, "rmdir", p, "fs", "rmdir", remote(p)); err != nil {
		return err
	}
	d.mutated()
	return nil
}

// Touch creates an empty file (or updates an existing one).
func (d *Device) Touch(ctx context.Context, p string) error {
	if _, err := d.run(ctx, "touch", p, "fs", "touch", remote(p)); err != nil {
		return err
	}
	d.mutated()
	return nil
}

// Rename moves from to to.
func (d *Device) Rename(ctx context.Context, from, to string) error {
	out, err := d.run(ctx, "mv", from, "exec", renameScript(from, to))
	if err != nil {
		return err
	}
	switch line := strings.TrimSpace(lastLine(out)); {
	case strings.HasPrefix(line, "ENOENT"):
		return &syncerr.FilesystemStateError{Kind: syncerr.NotFound, Path: from}
	case strings.HasPrefix(line, "ERR"):
		return fmt.Errorf("rename %s -> %s: %s", from, to, line)
	}
	d.mutated()
	return nil
}

// Exec runs code on the board and returns what it printed. The board state is
// unknown afterwards, so it counts as a mutation.
func (d *Device) Exec(ctx context.Context, code string) (string, error) {
	out, err := d.run(ctx, "exec", "", "exec", code)
	if err != nil {
		return out, err
	}
	d.mutated()
	return out, nil
}

// Reset soft-resets the board.
func (d *Device) Reset(ctx context.Context) error {
	_, err := d.run(ctx, "reset", "", "reset")
	return err
}

// parseStat reads the "<mode> <size>" or "ENOENT" line printed by statScript.
func parseStat(out string) (StatInfo, error) {
	line := strings.TrimSpace(lastLine(out))
	if line == "ENOENT" {
		return StatInfo{}, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return StatInfo{}, fmt.Errorf("unexpected stat output %q", line)
	}
	mode, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return StatInfo{}, fmt.Errorf("unexpected stat mode %q", fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return StatInfo{}, fmt.Errorf("unexpected stat size %q", fields[1])
	}
	return StatInfo{Exists: true, IsDir: mode&0x4000 != 0, Size: size}, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
