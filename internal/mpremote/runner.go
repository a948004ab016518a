// Package mpremote drives the external device-control tool as a subprocess.
// Every board operation is an argv array; output is captured and parsed as text.
package mpremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"mpy-sync/internal/logging"
	"mpy-sync/internal/metrics"
	"mpy-sync/internal/syncerr"
)

// Result is the captured output of one tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, which is what error
// classification looks at since the tool is not consistent about streams.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes one tool invocation.
type Runner interface {
	Run(ctx context.Context, args []string) (Result, error)
}

// ExitError reports a non-zero exit of the tool.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("tool exited with status %d: %s", e.Code, firstLine(e.Output))
}

// ExecRunner runs the real tool binary. Prefix is prepended to every argv
// (e.g. ["-m", "mpremote"] when Tool is a python interpreter).
type ExecRunner struct {
	Tool   string
	Prefix []string
	DryRun bool

	mu      sync.Mutex
	running map[string]*exec.Cmd // by port
}

// NewExecRunner builds a runner for tool.
func NewExecRunner(tool string, prefix ...string) *ExecRunner {
	return &ExecRunner{Tool: tool, Prefix: prefix}
}

// CommandLine renders the argv the way a shell would need it typed.
func (r *ExecRunner) CommandLine(args []string) string {
	argv := make([]string, 0, len(r.Prefix)+len(args)+1)
	argv = append(argv, r.Tool)
	argv = append(argv, r.Prefix...)
	argv = append(argv, args...)
	return shellquote.Join(argv...)
}

func (r *ExecRunner) Run(ctx context.Context, args []string) (Result, error) {
	line := r.CommandLine(args)
	log := logging.Named("mpremote")
	if r.DryRun {
		log.Info("dry-run", zap.String("cmd", line))
		return Result{}, nil
	}

	argv := make([]string, 0, len(r.Prefix)+len(args))
	argv = append(argv, r.Prefix...)
	argv = append(argv, args...)
	cmd := exec.CommandContext(ctx, r.Tool, argv...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	port := portOf(args)
	r.mu.Lock()
	if r.running == nil {
		r.running = map[string]*exec.Cmd{}
	}
	r.running[port] = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.running[port] == cmd {
			delete(r.running, port)
		}
		r.mu.Unlock()
	}()

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	verb := verbOf(args)

	if ctx.Err() != nil {
		metrics.ToolInvocation(verb, "cancelled")
		log.Warn("tool invocation cancelled", zap.String("cmd", line), zap.Duration("elapsed", time.Since(start)))
		return res, fmt.Errorf("%s: %w", line, syncerr.ErrCancelled)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			metrics.ToolInvocation(verb, "error")
			log.Debug("tool invocation failed", zap.String("cmd", line), zap.Int("exit", res.ExitCode), zap.String("output", res.Combined()))
			return res, &ExitError{Code: res.ExitCode, Output: res.Combined()}
		}
		metrics.ToolInvocation(verb, "error")
		return res, fmt.Errorf("failed to start %s: %w", r.Tool, err)
	}

	metrics.ToolInvocation(verb, "ok")
	log.Debug("tool invocation", zap.String("cmd", line), zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Kill force-stops the subprocess currently talking to port, if any. Runs on
// other ports are left alone.
func (r *ExecRunner) Kill(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd := r.running[port]; cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// portOf returns the port of a "connect <port> ..." argv, "" for anything else.
func portOf(args []string) string {
	if len(args) >= 2 && args[0] == "connect" {
		return args[1]
	}
	return ""
}

// verbOf picks the operation name out of a "connect <port> fs <verb> ..." argv.
func verbOf(args []string) string {
	rest := args
	if len(rest) == 2 && rest[0] == "connect" && rest[1] == "list" {
		return "list"
	}
	if len(rest) >= 2 && rest[0] == "connect" {
		rest = rest[2:]
	}
	if len(rest) == 0 {
		return "connect"
	}
	if rest[0] == "fs" && len(rest) > 1 {
		return rest[1]
	}
	return rest[0]
}
