// Package repl keeps an interactive board REPL running on a pty and lets the
// connection gate detach it around batch jobs.
package repl

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"mpy-sync/internal/logging"
	"mpy-sync/internal/pty"
)

// exitKey is Ctrl-], which makes the device tool leave its REPL.
const exitKey = 0x1d

// DefaultExitGrace bounds how long Suspend waits for the tool to exit by itself
// before killing it.
const DefaultExitGrace = 2 * time.Second

// Starter spawns cmd on a pty. pty.Start is the real one.
type Starter func(cmd *exec.Cmd) (pty.PTY, error)

// Options configures a Session.
type Options struct {
	Tool      string
	Prefix    []string
	Port      string
	Out       io.Writer // receives everything the REPL prints
	ExitGrace time.Duration
	Start     Starter
}

type proc struct {
	p          pty.PTY
	exited     chan struct{}
	suspending bool
}

// Session is the REPL of one port. It implements gate.Session.
type Session struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	cur      *proc
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	rows     int
	cols     int
}

// New builds a detached session; call Start to spawn the REPL.
func New(opts Options) *Session {
	if opts.Tool == "" {
		opts.Tool = "mpremote"
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = DefaultExitGrace
	}
	if opts.Start == nil {
		opts.Start = pty.Start
	}
	return &Session{opts: opts, log: logging.Named("repl"), done: make(chan struct{})}
}

// Args is the argv (without the tool) the session runs.
func (s *Session) Args() []string {
	args := append([]string(nil), s.opts.Prefix...)
	return append(args, "connect", s.opts.Port, "repl")
}

// Start spawns the REPL if it is not already running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("repl session closed")
	}
	if s.cur != nil {
		return nil
	}
	cmd := exec.Command(s.opts.Tool, s.Args()...)
	p, err := s.opts.Start(cmd)
	if err != nil {
		return err
	}
	if s.rows > 0 && s.cols > 0 {
		_ = p.SetSize(s.rows, s.cols)
	}
	pr := &proc{p: p, exited: make(chan struct{})}
	s.cur = pr
	go s.pump(pr)
	s.log.Info("repl started", zap.String("port", s.opts.Port))
	return nil
}

// pump copies REPL output until the process ends. An exit that Suspend did
// not ask for means the user left the REPL, which ends the session.
func (s *Session) pump(pr *proc) {
	_, _ = io.Copy(s.opts.Out, pr.p)
	_ = pr.p.Wait()

	s.mu.Lock()
	if s.cur == pr {
		s.cur = nil
	}
	userExit := !pr.suspending
	s.mu.Unlock()
	close(pr.exited)

	if userExit {
		s.log.Info("repl exited", zap.String("port", s.opts.Port))
		s.finish()
	}
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed when the user leaves the REPL or the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Attached reports whether the REPL process is running.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Suspend asks the REPL to exit and waits for it, killing it after the grace
// period. It frees the serial port for a batch job.
func (s *Session) Suspend(ctx context.Context) error {
	s.mu.Lock()
	pr := s.cur
	if pr == nil {
		s.mu.Unlock()
		return nil
	}
	pr.suspending = true
	s.mu.Unlock()

	if _, err := pr.p.Write([]byte{exitKey}); err != nil {
		s.log.Debug("exit key not delivered", zap.Error(err))
	}

	timer := time.NewTimer(s.opts.ExitGrace)
	defer timer.Stop()
	select {
	case <-pr.exited:
	case <-timer.C:
		s.log.Warn("repl did not exit, killing it", zap.String("port", s.opts.Port))
		_ = pr.p.Close()
		<-pr.exited
	case <-ctx.Done():
		_ = pr.p.Close()
		<-pr.exited
		return ctx.Err()
	}
	_ = pr.p.Close()
	return nil
}

// Resume respawns the REPL after a batch job. It is a no-op once the session
// is closed.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return s.Start()
}

// Write forwards keyboard input. Input typed while the REPL is suspended is
// dropped.
func (s *Session) Write(b []byte) (int, error) {
	s.mu.Lock()
	pr := s.cur
	s.mu.Unlock()
	if pr == nil {
		return len(b), nil
	}
	if _, err := pr.p.Write(b); err != nil {
		s.log.Debug("repl input dropped", zap.Error(err))
	}
	return len(b), nil
}

// SetSize records the terminal size and applies it to the running REPL.
func (s *Session) SetSize(rows, cols int) {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	pr := s.cur
	s.mu.Unlock()
	if pr != nil {
		_ = pr.p.SetSize(rows, cols)
	}
}

// Close stops the REPL for good.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	pr := s.cur
	if pr != nil {
		pr.suspending = true
	}
	s.mu.Unlock()

	if pr != nil {
		_ = pr.p.Close()
		<-pr.exited
	}
	s.finish()
	return nil
}
