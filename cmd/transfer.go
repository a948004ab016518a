package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"mpy-sync/internal/syncdata"
	"mpy-sync/internal/syncerr"
	"mpy-sync/internal/tui"
	"mpy-sync/internal/util"
)

// scopeArgs resolves user paths against the current directory and rejects
// any outside the workspace, so a typo never widens a batch to everything.
func (a *app) scopeArgs(args []string) ([]string, error) {
	cwd, _ := os.Getwd()
	out := make([]string, 0, len(args))
	for _, arg := range args {
		p := arg
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		rel, err := filepath.Rel(a.root, filepath.Clean(p))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, syncerr.NewConfigurationError("path", arg+" is outside the workspace "+a.root)
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *app) printReport(r syncdata.TransferReport) {
	if a.opts.json {
		_ = a.printJSON(r)
		return
	}
	fmt.Fprint(a.out, tui.RenderReport(r, a.opts.verbose))
}

func batchError(r syncdata.TransferReport) error {
	if r.Cancelled && r.FailedCount() == 0 {
		return syncerr.ErrCancelled
	}
	return ErrPartial
}

// finishBatch prints the report and, on an interactive terminal, offers to
// retry the failed items until the batch is clean or the user moves on.
func (a *app) finishBatch(ctx context.Context, report syncdata.TransferReport, err error) error {
	if err != nil {
		return err
	}
	a.printReport(report)
	for !report.Clean() {
		if a.opts.json || report.FailedCount() == 0 || !interactive() {
			return batchError(report)
		}
		choice, merr := tui.PostBatchMenu(report)
		if merr != nil {
			return batchError(report)
		}
		switch choice {
		case tui.ChoiceShow:
			fmt.Fprint(a.out, tui.RenderReport(report, true))
		case tui.ChoiceRetry:
			util.Default.Printf("🔁 Retrying %d item(s)...\n", report.FailedCount())
			report, err = a.svc.RetryFailed(ctx, report)
			if err != nil {
				return err
			}
			a.printReport(report)
		default:
			return batchError(report)
		}
	}
	return nil
}

// scopedBatch is the shape shared by upload, sync-up and sync-down.
func scopedBatch(opts *rootOptions, run func(ctx context.Context, a *app, only []string) (syncdata.TransferReport, error)) func(*cobra.Command, []string) error {
	return withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
		only, err := a.scopeArgs(args)
		if err != nil {
			return err
		}
		report, err := run(cmd.Context(), a, only)
		return a.finishBatch(cmd.Context(), report, err)
	})
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Copy the workspace (or the given paths) to the board",
		Long: `Upload every non-ignored workspace file to the board, creating remote
directories first. With paths, only files below them are uploaded and the
sync baseline is left alone.`,
		RunE: scopedBatch(opts, func(ctx context.Context, a *app, only []string) (syncdata.TransferReport, error) {
			util.Default.Printf("📤 Uploading %s to %s\n", a.root, a.cfg.Port)
			return a.svc.Upload(ctx, only...)
		}),
	}
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download [paths...]",
		Short: "Copy the board tree (or the given paths) into the workspace",
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			only, err := a.scopeArgs(args)
			if err != nil {
				return err
			}
			target := dest
			if target != "" {
				if target, err = filepath.Abs(target); err != nil {
					return err
				}
			}
			util.Default.Printf("📥 Downloading from %s\n", a.cfg.Port)
			report, err := a.svc.Download(cmd.Context(), target, only...)
			return a.finishBatch(cmd.Context(), report, err)
		}),
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "download into this folder instead of the workspace")
	return cmd
}

func newDiffCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Compare the workspace with the board",
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			diff, err := a.svc.CheckDiff(cmd.Context())
			if err != nil {
				return err
			}
			if a.opts.json {
				return a.printJSON(diff)
			}
			fmt.Fprint(a.out, tui.RenderDiff(diff))
			return nil
		}),
	}
}

func newSyncUpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-up [paths...]",
		Short: "Upload changed and local-only files",
		RunE: scopedBatch(opts, func(ctx context.Context, a *app, only []string) (syncdata.TransferReport, error) {
			return a.svc.SyncUp(ctx, only...)
		}),
	}
}

func newSyncDownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-down [paths...]",
		Short: "Download changed and remote-only files",
		RunE: scopedBatch(opts, func(ctx context.Context, a *app, only []string) (syncdata.TransferReport, error) {
			return a.svc.SyncDown(ctx, only...)
		}),
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var prefer string
	cmd := &cobra.Command{
		Use:   "sync [paths...]",
		Short: "Two-way sync; changed files follow --prefer",
		RunE: scopedBatch(opts, func(ctx context.Context, a *app, only []string) (syncdata.TransferReport, error) {
			return a.svc.SyncBoth(ctx, syncdata.Prefer(strings.ToLower(prefer)), only...)
		}),
	}
	cmd.Flags().StringVar(&prefer, "prefer", string(syncdata.PreferLocal), "side that wins for changed files: local or remote")
	return cmd
}

func newWipeCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete everything under the remote root",
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.cfg.RequirePort(); err != nil {
				return err
			}
			if !yes {
				if a.opts.json {
					return syncerr.NewConfigurationError("yes", "wipe with --json needs --yes")
				}
				ok, err := tui.ConfirmWithCaptcha(fmt.Sprintf("This deletes everything under %s on %s.", a.cfg.RemoteRoot, a.cfg.Port), 3)
				if err != nil {
					return err
				}
				if !ok {
					return syncerr.ErrCancelled
				}
			}
			report, err := a.svc.WipeRemote(cmd.Context())
			return a.finishBatch(cmd.Context(), report, err)
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation token")
	return cmd
}
