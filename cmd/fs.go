package cmd

import (
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"mpy-sync/internal/config"
	"mpy-sync/internal/remotetree"
	"mpy-sync/internal/util"
)

// Single-item verbs take device paths (":/lib/a.py" or "/lib/a.py") or paths
// relative to the remote root ("lib/a.py").

func newMkdirCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories (with parents) on the board",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			for _, p := range args {
				if err := a.svc.CreateDir(cmd.Context(), p); err != nil {
					return fmt.Errorf("mkdir %s: %w", p, err)
				}
				util.Default.Printf("📁 Created %s\n", p)
			}
			return nil
		}),
	}
}

func newTouchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "touch <path>...",
		Short: "Create empty files on the board",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			for _, p := range args {
				if err := a.svc.CreateFile(cmd.Context(), p); err != nil {
					return fmt.Errorf("touch %s: %w", p, err)
				}
				util.Default.Printf("📄 Created %s\n", p)
			}
			return nil
		}),
	}
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete files or whole directories from the board",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			for _, p := range args {
				if err := a.svc.Delete(cmd.Context(), p); err != nil {
					return fmt.Errorf("rm %s: %w", p, err)
				}
				util.Default.Printf("🗑️  Deleted %s\n", p)
			}
			return nil
		}),
	}
}

func newMvCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Rename a file or directory on the board",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.svc.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			util.Default.Printf("🔀 Renamed %s → %s\n", args[0], args[1])
			return nil
		}),
	}
}

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var known bool
	cmd := &cobra.Command{
		Use:   "tree [dir]",
		Short: "Show the board tree under the remote root",
		Long: `Show the board tree under the remote root, or under dir. With --known the
index of paths recorded by earlier transfers is shown instead and the board is
not touched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			var nodes []remotetree.Node
			var err error
			if known {
				nodes, err = a.knownTree(dir)
			} else {
				nodes, err = a.svc.ListTree(cmd.Context(), dir)
			}
			if err != nil {
				return err
			}
			if a.opts.json {
				if nodes == nil {
					nodes = []remotetree.Node{}
				}
				return a.printJSON(nodes)
			}
			fmt.Fprint(a.out, renderTree(nodes))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&known, "known", false, "show the locally recorded index instead of listing the board")
	return cmd
}

// knownTree returns the indexed paths below dir (default: the remote root).
func (a *app) knownTree(dir string) ([]remotetree.Node, error) {
	if a.known == nil {
		return nil, fmt.Errorf("known-files index %s is unavailable", a.state.KnownDBPath())
	}
	root := config.NormalizeRemoteRoot(a.cfg.RemoteRoot)
	if dir != "" {
		var err error
		if root, err = a.svc.ResolvePath(dir); err != nil {
			return nil, err
		}
	}
	all, err := a.known.List()
	if err != nil {
		return nil, err
	}
	var nodes []remotetree.Node
	for _, n := range all {
		if root == "/" || strings.HasPrefix(n.Path, root+"/") {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// renderTree indents nodes by depth. Nodes come sorted by path from the
// lister, which puts every directory right before its children.
func renderTree(nodes []remotetree.Node) string {
	if len(nodes) == 0 {
		return "(empty)\n"
	}
	base := ""
	for _, n := range nodes {
		if d := path.Dir(n.Path); base == "" || len(d) < len(base) {
			base = d
		}
	}
	var sb strings.Builder
	for _, n := range nodes {
		rel := strings.TrimPrefix(strings.TrimPrefix(n.Path, base), "/")
		depth := strings.Count(rel, "/")
		name := path.Base(n.Path)
		if n.IsDir {
			fmt.Fprintf(&sb, "%s%s/\n", strings.Repeat("  ", depth), name)
			continue
		}
		fmt.Fprintf(&sb, "%s%s (%d)\n", strings.Repeat("  ", depth), name, n.Size)
	}
	return sb.String()
}

func newLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List one board directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			children, err := a.svc.ListChildren(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if a.opts.json {
				if children == nil {
					children = []remotetree.Child{}
				}
				return a.printJSON(children)
			}
			for _, c := range children {
				if c.IsDir {
					fmt.Fprintf(a.out, "%10s  %s/\n", "", c.Name)
				} else {
					fmt.Fprintf(a.out, "%10d  %s\n", c.Size, c.Name)
				}
			}
			return nil
		}),
	}
}
