package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// SafePrinter serializes user-facing output so progress lines from the
// watcher, the gate and the REPL bridge never interleave mid-line.
type SafePrinter struct {
	mu        sync.Mutex
	out       io.Writer
	suspended bool
}

// Default is the shared SafePrinter used across the application.
var Default = NewSafePrinter(os.Stdout)

func NewSafePrinter(w io.Writer) *SafePrinter {
	return &SafePrinter{out: w}
}

// SetOutput redirects the printer, e.g. to stderr when stdout carries JSON.
func (s *SafePrinter) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = w
}

func (s *SafePrinter) Print(a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprint(s.out, a...)
}

func (s *SafePrinter) Printf(format string, a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprintf(s.out, format, a...)
}

func (s *SafePrinter) Println(a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprintln(s.out, a...)
}

// PrintBlock prints a potentially multi-line block atomically. If clearLine is true
// it will first clear the current line (useful to overwrite a status line).
func (s *SafePrinter) PrintBlock(block string, clearLine bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	if clearLine {
		fmt.Fprint(s.out, "\r\x1b[K")
	}
	fmt.Fprint(s.out, block)
	if !strings.HasSuffix(block, "\n") {
		fmt.Fprint(s.out, "\n")
	}
}

// ClearLine clears the current line and returns the cursor to the beginning.
func (s *SafePrinter) ClearLine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprint(s.out, "\r\x1b[K")
}

// Suspend silences all subsequent prints until Resume is called. The REPL
// bridge uses it while the terminal is in raw mode.
func (s *SafePrinter) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Resume re-enables printing after Suspend.
func (s *SafePrinter) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
}

func (s *SafePrinter) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}
