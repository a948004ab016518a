package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/history"
	"mpy-sync/internal/mpremote"
	"mpy-sync/internal/syncerr"
	"mpy-sync/internal/tui"
	"mpy-sync/internal/util"
)

// historyStore is where picked ports are remembered. Tests point it at a
// temp dir.
var historyStore = history.Default

func newPortsCmd(opts *rootOptions) *cobra.Command {
	var pick bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial devices, optionally picking one for this workspace",
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ports, err := a.svc.Ports(cmd.Context())
			if err != nil {
				return err
			}
			if !pick {
				if a.opts.json {
					if ports == nil {
						ports = []mpremote.Port{}
					}
					return a.printJSON(ports)
				}
				if len(ports) == 0 {
					util.Default.Println("No serial devices found")
					return nil
				}
				for _, p := range ports {
					marker := " "
					if p.Device == a.cfg.Port {
						marker = "*"
					}
					fmt.Fprintf(a.out, "%s %-16s %-10s %s\n", marker, p.Device, p.VIDPID, p.Description)
				}
				return nil
			}

			if !interactive() {
				return syncerr.NewConfigurationError("port", "--select needs an interactive terminal; use 'mpy-sync init --port <port>'")
			}
			store := historyStore()
			chosen, err := tui.SelectPort(ports, store.RecentPorts())
			if err != nil {
				return err
			}
			return a.usePort(chosen)
		}),
	}
	cmd.Flags().BoolVarP(&pick, "select", "s", false, "pick a port and save it to mpy-sync.yaml")
	return cmd
}

// usePort saves port as the workspace port and remembers it.
func (a *app) usePort(port string) error {
	a.cfg.Port = port
	if err := config.Save(a.root, a.cfg); err != nil {
		return err
	}
	if err := historyStore().AddPort(port, a.root); err != nil {
		a.log.Warn("could not update port history", zap.Error(err))
	}
	util.Default.Printf("✅ Using %s (saved to %s)\n", port, config.GetConfigPath(a.root))
	return nil
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Soft-reset the board",
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.cfg.RequirePort(); err != nil {
				return err
			}
			a.svc.Reset(cmd.Context())
			util.Default.Printf("🔄 Reset sent to %s\n", a.cfg.Port)
			return nil
		}),
	}
}
