package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/asaskevich/EventBus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"mpy-sync/internal/config"
	"mpy-sync/internal/events"
	"mpy-sync/internal/filecache"
	"mpy-sync/internal/gate"
	"mpy-sync/internal/logging"
	"mpy-sync/internal/metrics"
	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/syncdata"
	"mpy-sync/internal/util"
)

// ErrPartial is returned by batch verbs whose report lists failed items. The
// report itself has already been printed.
var ErrPartial = errors.New("some items failed")

// newRunner builds the device tool runner. Tests swap it for a fake board.
var newRunner = func(cfg *config.Config, dryRun bool) mpremote.Runner {
	r := mpremote.NewExecRunner(cfg.Tool, cfg.ToolArgs...)
	r.DryRun = dryRun
	return r
}

// interactive reports whether menus and prompts may take over the terminal.
var interactive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

type rootOptions struct {
	workspace string
	port      string
	json      bool
	verbose   bool
	dryRun    bool
}

// app is everything one invocation needs, built lazily by the verbs that
// touch the workspace.
type app struct {
	root  string
	cfg   *config.Config
	state config.State
	svc   *syncdata.Service
	gates *gate.Manager
	known *filecache.Index
	bus   EventBus.Bus
	out   io.Writer
	opts  *rootOptions
	log   *zap.Logger

	stop context.CancelFunc
}

func loadApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	start := opts.workspace
	if start == "" {
		start, _ = os.Getwd()
	}
	root, err := util.FindWorkspaceRoot(start)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	state := config.NewState(root)
	if opts.json {
		// stdout carries the JSON document only
		util.Default.SetOutput(os.Stderr)
	}

	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "json", OutputPath: state.LogPath()}); err != nil {
		util.Default.Printf("⚠️  Logging to %s unavailable: %v\n", state.LogPath(), err)
	}
	log := logging.Named("cli")

	a := &app{root: root, cfg: cfg, state: state, bus: events.GlobalBus, out: cmd.OutOrStdout(), opts: opts, log: log}

	var known syncdata.KnownIndex
	if idx, err := filecache.Open(state.KnownDBPath()); err != nil {
		log.Warn("known-files index unavailable", zap.Error(err))
	} else {
		a.known = idx
		known = idx
	}

	runner := newRunner(cfg, opts.dryRun)
	mc := gate.ManagerConfig{AutoSuspend: cfg.AutoSuspend, SettleDelay: cfg.SettleDelay(), Bus: a.bus}
	if k, ok := runner.(gate.Killer); ok {
		mc.Killer = k
	}
	a.gates = gate.NewManager(mc)

	svc, err := syncdata.NewService(syncdata.ServiceOptions{
		Root:   root,
		Config: cfg,
		Runner: runner,
		Known:  known,
		Gates:  a.gates,
		Bus:    a.bus,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc

	// Ctrl-C cancels the context; also force-stop the running tool so a hung
	// serial read does not outlive it.
	ctx, stop := context.WithCancel(cmd.Context())
	a.stop = stop
	go func() {
		<-ctx.Done()
		if cmd.Context().Err() != nil {
			if n := svc.Cancel(); n > 0 {
				log.Info("cancelled running operations", zap.Int("count", n))
			}
		}
	}()

	log.Debug("workspace loaded", zap.String("root", root), zap.String("port", cfg.Port), zap.String("remote_root", cfg.RemoteRoot))
	return a, nil
}

// Close stops the gates, flushes the known-files index and dumps metrics.
func (a *app) Close() {
	if a.stop != nil {
		a.stop()
	}
	if a.svc != nil {
		a.svc.Close()
	} else if a.gates != nil {
		a.gates.Close()
	}
	if a.known != nil {
		_ = a.known.Close()
	}
	if err := a.state.Ensure(); err == nil {
		if err := metrics.WriteTextfile(a.state.MetricsPath()); err != nil {
			a.log.Warn("metrics dump failed", zap.Error(err))
		}
	}
	_ = logging.Sync()
}

// withApp adapts a verb body into a cobra RunE that loads and closes the app.
func withApp(opts *rootOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "mpy-sync",
		Short: "Sync a workspace with a MicroPython board",
		Long: `Keep a local project folder and the filesystem of a MicroPython board in sync
through the mpremote tool: diff, upload, download, two-way sync, single-file
operations, an interactive REPL and a watch mode.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.workspace, "workspace", "w", "", "workspace folder (default: search upward from the current directory)")
	pf.StringVarP(&opts.port, "port", "p", "", "serial port, overrides mpy-sync.yaml")
	pf.BoolVar(&opts.json, "json", false, "print results as JSON")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and full reports")
	pf.BoolVar(&opts.dryRun, "dry-run", false, "log the device tool commands instead of running them")

	rootCmd.AddCommand(
		newInitCmd(opts),
		newUploadCmd(opts),
		newDownloadCmd(opts),
		newDiffCmd(opts),
		newSyncUpCmd(opts),
		newSyncDownCmd(opts),
		newSyncCmd(opts),
		newWipeCmd(opts),
		newMkdirCmd(opts),
		newTouchCmd(opts),
		newRmCmd(opts),
		newMvCmd(opts),
		newTreeCmd(opts),
		newLsCmd(opts),
		newPortsCmd(opts),
		newResetCmd(opts),
		newExecCmd(opts),
		newReplCmd(opts),
		newWatchCmd(opts),
		newPathInfoCmd(opts),
	)
	return rootCmd
}

// ExecuteContext allows running the root command with a supplied context for cancellation.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrPartial):
		return 2
	default:
		return 1
	}
}

// FormatError renders an Execute error for stderr.
func FormatError(err error) string {
	if errors.Is(err, ErrPartial) {
		return ""
	}
	return fmt.Sprintf("❌ %v", err)
}
