package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mpy-sync/internal/repl"
	"mpy-sync/internal/syncdata"
	"mpy-sync/internal/tui"
	"mpy-sync/internal/util"
)

func newReplCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Attach the terminal to the board REPL",
		Long: `Open the board's interactive REPL in this terminal. Leave it with Ctrl-].
Device operations queued while it is open (for example by --watch) detach the
REPL, run, and reattach it.`,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			port, err := a.cfg.RequirePort()
			if err != nil {
				return err
			}
			g, err := a.svc.Gate()
			if err != nil {
				return err
			}

			sess := repl.New(repl.Options{
				Tool:   a.cfg.Tool,
				Prefix: a.cfg.ToolArgs,
				Port:   port,
				Out:    os.Stdout,
			})
			if err := sess.Start(); err != nil {
				return err
			}
			g.SetSession(sess)
			defer func() {
				g.SetSession(nil)
				_ = sess.Close()
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if watch {
				w := syncdata.NewWatcher(a.root, a.svc, syncdata.WatchOptions{Bus: a.bus})
				go func() {
					if err := w.Run(ctx); err != nil {
						a.log.Warn("watcher stopped", zap.Error(err))
					}
				}()
			}

			util.Default.Printf("🔌 Connected to %s, Ctrl-] to exit\n", port)
			go func() {
				// Ctrl-C in raw mode reaches the board; this covers SIGINT from elsewhere
				<-ctx.Done()
				_ = sess.Close()
			}()
			return tui.AttachLocalTTY(sess)
		}),
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "also upload workspace changes while the REPL is open")
	return cmd
}
