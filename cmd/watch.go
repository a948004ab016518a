package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"mpy-sync/internal/syncdata"
	"mpy-sync/internal/util"
)

// Idle connections are dropped so an unplugged board does not pin its gate.
const (
	sweepInterval = time.Minute
	maxIdle       = 10 * time.Minute
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var debounce time.Duration
	var initial bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Upload workspace files to the board as they change",
		Long: `Watch the workspace and upload changed, non-ignored files after a quiet
period. Deleted local files are not removed from the board. Stop with Ctrl-C.`,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.cfg.RequirePort(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if initial {
				report, err := a.svc.SyncUp(ctx)
				if err != nil {
					return err
				}
				a.printReport(report)
			}

			a.gates.StartSweeper(ctx, sweepInterval, maxIdle)
			w := syncdata.NewWatcher(a.root, a.svc, syncdata.WatchOptions{
				Debounce: debounce,
				Bus:      a.bus,
				OnBatch: func(r syncdata.TransferReport, err error) {
					if err != nil {
						util.Default.Printf("⚠️  Upload failed: %v\n", err)
						return
					}
					a.printReport(r)
				},
			})
			util.Default.Printf("👀 Watching %s → %s (Ctrl-C to stop)\n", a.root, a.cfg.Port)
			if err := w.Run(ctx); err != nil {
				return err
			}
			util.Default.Println("⏹ Stopped watching")
			return nil
		}),
	}
	cmd.Flags().DurationVar(&debounce, "debounce", syncdata.DefaultDebounce, "quiet period before uploading")
	cmd.Flags().BoolVar(&initial, "sync-first", false, "run sync-up once before watching")
	return cmd
}
