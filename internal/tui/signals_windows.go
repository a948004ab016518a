//go:build windows

package tui

import "os"

// The windows console has no resize signal; the size set on attach is kept.
var resizeSignals []os.Signal
