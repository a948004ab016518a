package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/mpremote"
)

const portLater = "auto (choose later with 'mpy-sync ports --select')"

func newInitCmd(opts *rootOptions) *cobra.Command {
	var port, remoteRoot string
	var yes, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize config file",
		Long: `Write mpy-sync.yaml in the workspace, create the .mpy-sync state folder
with the default ignore rules and record the first manifest. The board is not
touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := opts.workspace
			if root == "" {
				root, _ = os.Getwd()
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return err
			}

			if config.ConfigExists(root) && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config file already exists: %s (use --force to rewrite it)\n", config.GetConfigPath(root))
			} else {
				cfg := config.Default()
				cfg.Port = port
				if remoteRoot != "" {
					cfg.RemoteRoot = remoteRoot
				}
				if !yes && interactive() {
					if err := promptInit(cmd, &cfg, port == "", remoteRoot == ""); err != nil {
						return err
					}
				}
				cfg.RemoteRoot = config.NormalizeRemoteRoot(cfg.RemoteRoot)
				if err := config.ValidateConfig(&cfg); err != nil {
					return err
				}
				if err := config.Save(root, &cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %s\n", config.GetConfigPath(root))
			}

			sub := *opts
			sub.workspace = root
			a, err := loadApp(cmd, &sub)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.svc.Init()
			if err != nil {
				return err
			}
			if p, err := a.cfg.RequirePort(); err == nil {
				if herr := historyStore().AddPort(p, root); herr != nil {
					a.log.Warn("could not update port history", zap.Error(herr))
				}
			}
			fmt.Fprintf(a.out, "✅ Created %s with default ignore rules\n", a.state.IgnorePath())
			fmt.Fprintf(a.out, "📋 Manifest: %d file(s)\n", len(m.Paths()))
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "serial port of the board")
	cmd.Flags().StringVar(&remoteRoot, "remote-root", "", "board folder the workspace maps to (default /)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept defaults without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing mpy-sync.yaml")
	return cmd
}

// promptInit asks for whatever was not given on the command line.
func promptInit(cmd *cobra.Command, cfg *config.Config, askPort, askRoot bool) error {
	if askPort {
		items := []string{}
		ports, err := mpremote.ListPorts(cmd.Context(), newRunner(cfg, false))
		if err == nil {
			for _, p := range ports {
				items = append(items, p.Device)
			}
		}
		items = append(items, portLater)

		sel := promptui.Select{Label: "Board serial port", Items: items}
		_, choice, err := sel.Run()
		if err != nil {
			return promptErr(err)
		}
		if choice == portLater {
			choice = config.PortAuto
		}
		cfg.Port = choice
	}

	if askRoot {
		prompt := promptui.Prompt{
			Label:   "Remote root on the board",
			Default: cfg.RemoteRoot,
			Validate: func(s string) error {
				if strings.Contains(s, "..") {
					return errors.New("must not contain '..'")
				}
				return nil
			},
		}
		root, err := prompt.Run()
		if err != nil {
			return promptErr(err)
		}
		cfg.RemoteRoot = root
	}
	return nil
}

func promptErr(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return errors.New("init cancelled")
	}
	return fmt.Errorf("prompt failed: %w", err)
}
