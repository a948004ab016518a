// Package pty runs a child process on a pseudo-terminal, so tools that only
// enable their interactive mode on a tty (the board REPL) behave as they do
// in a terminal.
package pty

import "io"

// PTY is the controlling side of a pseudo-terminal with its child process.
type PTY interface {
	io.ReadWriteCloser
	// SetSize forwards a terminal resize to the child.
	SetSize(rows, cols int) error
	// Wait blocks until the child process exits.
	Wait() error
}
