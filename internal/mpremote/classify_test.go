package mpremote

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/syncerr"
)

func failed(msg string) (Result, error) {
	return Result{Stderr: msg, ExitCode: 1}, &ExitError{Code: 1, Output: msg}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		check  func(t *testing.T, err error)
	}{
		{"not empty", "rm: /lib: OSError: [Errno 39] ENOTEMPTY", func(t *testing.T, err error) {
			assert.True(t, syncerr.IsFSKind(err, syncerr.DirNotEmpty))
		}},
		{"not found", "cp: /lib/a.py: OSError: [Errno 2] ENOENT", func(t *testing.T, err error) {
			assert.True(t, syncerr.IsFSKind(err, syncerr.NotFound))
		}},
		{"exists", "mkdir: /lib: OSError: [Errno 17] EEXIST", func(t *testing.T, err error) {
			assert.True(t, syncerr.IsFSKind(err, syncerr.Exists))
		}},
		{"busy port", "mpremote: could not enter raw repl", func(t *testing.T, err error) {
			assert.True(t, syncerr.IsTransient(err))
		}},
		{"serial", "SerialException: device reports readiness to read but returned no data", func(t *testing.T, err error) {
			assert.True(t, syncerr.IsTransient(err))
		}},
		{"is a directory", "cp: /lib: OSError: [Errno 21] EISDIR", func(t *testing.T, err error) {
			assert.False(t, syncerr.IsTransient(err))
			assert.False(t, syncerr.IsFSKind(err, syncerr.NotFound))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := failed(tt.output)
			tt.check(t, classify("op", "/lib", res, err))
		})
	}
}

func TestClassifyKeepsCancellation(t *testing.T) {
	err := fmt.Errorf("mpremote fs ls: %w", syncerr.ErrCancelled)
	got := classify("ls", "/", Result{Stderr: "ENOENT"}, err)
	assert.True(t, errors.Is(got, syncerr.ErrCancelled))
	assert.False(t, syncerr.IsFSKind(got, syncerr.NotFound))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("ls", "/", Result{}, nil))
}

func TestParseStat(t *testing.T) {
	info, err := parseStat("16384 0\n")
	require.NoError(t, err)
	assert.Equal(t, StatInfo{Exists: true, IsDir: true}, info)

	info, err = parseStat("noise\n32768 139\n")
	require.NoError(t, err)
	assert.Equal(t, StatInfo{Exists: true, Size: 139}, info)

	info, err = parseStat("ENOENT\n")
	require.NoError(t, err)
	assert.False(t, info.Exists)

	_, err = parseStat("Traceback")
	assert.Error(t, err)
}

func TestParseLs(t *testing.T) {
	out := "ls :lib\n         139 boot.py\n           0 drivers/\nplain.txt\n"
	entries := ParseLs(out)
	require.Len(t, entries, 3)
	assert.Equal(t, LsEntry{Name: "boot.py", Size: 139}, entries[0])
	assert.Equal(t, LsEntry{Name: "drivers", IsDir: true}, entries[1])
	assert.Equal(t, LsEntry{Name: "plain.txt"}, entries[2])
}

func TestParsePorts(t *testing.T) {
	out := "/dev/ttyACM0 e660583883724a2e 2e8a:0005 MicroPython Board in FS mode\n/dev/ttyS0 None 0000:0000 None None\n\n"
	ports := ParsePorts(out)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyACM0", ports[0].Device)
	assert.Equal(t, "2e8a:0005", ports[0].VIDPID)
	assert.Equal(t, "MicroPython Board in FS mode", ports[0].Description)
	assert.Equal(t, "/dev/ttyS0", ports[1].Device)
}

func TestVerbOf(t *testing.T) {
	assert.Equal(t, "list", verbOf([]string{"connect", "list"}))
	assert.Equal(t, "tree", verbOf([]string{"connect", "/dev/ttyACM0", "fs", "tree", "-s", ":/"}))
	assert.Equal(t, "exec", verbOf([]string{"connect", "/dev/ttyACM0", "exec", "print(1)"}))
	assert.Equal(t, "reset", verbOf([]string{"connect", "/dev/ttyACM0", "reset"}))
}

func TestCommandLineQuotes(t *testing.T) {
	r := NewExecRunner("mpremote")
	line := r.CommandLine([]string{"connect", "/dev/ttyACM0", "fs", "cp", "-f", "my file.py", ":/my file.py"})
	assert.True(t, strings.HasPrefix(line, "mpremote connect /dev/ttyACM0 fs cp -f "))
	assert.Contains(t, line, "'my file.py'")
}

func TestDryRunDoesNotExecute(t *testing.T) {
	r := NewExecRunner("/nonexistent/mpremote")
	r.DryRun = true
	res, err := r.Run(t.Context(), []string{"connect", "list"})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
}
