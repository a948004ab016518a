package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"mpy-sync/cmd"
)

// shutdownGrace bounds how long a cancelled command may take to unwind
// before the process exits anyway.
const shutdownGrace = 5 * time.Second

func main() {
	// Capture original terminal state (if stdin is a TTY) so we can restore on forced exit.
	var origState *term.State
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if st, err := term.GetState(fd); err == nil {
			origState = st
		}
	}
	restore := func() {
		if origState != nil {
			_ = term.Restore(int(os.Stdin.Fd()), origState)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(shutdownGrace):
			restore()
			fmt.Fprintln(os.Stderr, "timeout waiting for the running operation, forcing exit")
			os.Exit(130)
		}
	}

	restore()
	if msg := cmd.FormatError(err); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(cmd.ExitCode(err))
}
