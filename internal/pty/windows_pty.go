//go:build windows

package pty

import (
	"errors"
	"os/exec"
)

// ErrUnsupported is returned on platforms without a pty implementation.
var ErrUnsupported = errors.New("pty: interactive sessions are not supported on windows")

// Start is not implemented on windows.
func Start(cmd *exec.Cmd) (PTY, error) {
	return nil, ErrUnsupported
}
