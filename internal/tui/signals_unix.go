//go:build !windows

package tui

import (
	"os"
	"syscall"
)

// resizeSignals announce a terminal window size change.
var resizeSignals = []os.Signal{syscall.SIGWINCH}
