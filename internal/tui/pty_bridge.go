package tui

import (
	"io"
	"os"
	"os/signal"

	"golang.org/x/term"

	"mpy-sync/internal/util"
)

// Terminal is the far end of an attached terminal. *repl.Session satisfies it:
// its output already goes to stdout, so the bridge only carries keystrokes and
// window size.
type Terminal interface {
	io.Writer
	SetSize(rows, cols int)
	Done() <-chan struct{}
}

// AttachLocalTTY puts the local terminal into raw mode and forwards stdin to t
// until t is done. Window size changes are passed on. Without a terminal on
// stdin it forwards input as-is.
func AttachLocalTTY(t Terminal) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
		if cols, rows, err := term.GetSize(fd); err == nil {
			t.SetSize(rows, cols)
		}
	}

	// raw mode turns \n into a bare line feed; keep background prints out of the way
	util.Default.Suspend()
	defer util.Default.Resume()

	sigCh := make(chan os.Signal, 1)
	if len(resizeSignals) > 0 {
		signal.Notify(sigCh, resizeSignals...)
	}
	defer signal.Stop(sigCh)

	return bridge(os.Stdin, t, sigCh, func() (int, int, error) {
		cols, rows, err := term.GetSize(fd)
		return rows, cols, err
	})
}

// bridge copies in to t until t is done or in ends. Every value on resize
// re-reads the window size through size.
func bridge(in io.Reader, t Terminal, resize <-chan os.Signal, size func() (rows, cols int, err error)) error {
	errCh := make(chan error, 1)
	go func() {
		_, e := io.Copy(t, in)
		errCh <- e
	}()

	for {
		select {
		case <-t.Done():
			return nil
		case <-resize:
			if rows, cols, err := size(); err == nil {
				t.SetSize(rows, cols)
			}
		case e := <-errCh:
			if e != nil && e != io.EOF {
				return e
			}
			return nil
		}
	}
}
