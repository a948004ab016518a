package mpremote

import (
	"errors"
	"strings"

	"mpy-sync/internal/syncerr"
)

// transientMarkers are tool messages for failures that usually clear up on a
// second attempt: another process owns the port, the board is mid-reset, the
// raw REPL handshake timed out.
var transientMarkers = []string{
	"could not enter raw repl",
	"failed to access",
	"device or resource busy",
	"could not open port",
	"could not exclusively lock port",
	"input/output error",
	"no device found",
	"device not configured",
	"serialexception",
	"read failed",
	"timeout waiting",
}

var dirNotEmptyMarkers = []string{"enotempty", "directory not empty", "errno 39"}
var notFoundMarkers = []string{"enoent", "no such file or directory", "errno 2]", "errno 2 "}
var existsMarkers = []string{"eexist", "file exists", "errno 17"}

// classify turns a failed invocation into one of the syncerr kinds.
func classify(op, path string, res Result, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.ErrCancelled) {
		return err
	}

	text := strings.ToLower(res.Combined())
	if text == "" {
		text = strings.ToLower(err.Error())
	}

	switch {
	case containsAny(text, dirNotEmptyMarkers):
		return &syncerr.FilesystemStateError{Kind: syncerr.DirNotEmpty, Path: path, Err: err}
	case containsAny(text, notFoundMarkers):
		return &syncerr.FilesystemStateError{Kind: syncerr.NotFound, Path: path, Err: err}
	case containsAny(text, existsMarkers):
		return &syncerr.FilesystemStateError{Kind: syncerr.Exists, Path: path, Err: err}
	case containsAny(text, transientMarkers):
		return &syncerr.TransientConnectionError{Op: op, Err: err}
	}
	return err
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
