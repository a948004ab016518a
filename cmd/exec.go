package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mpy-sync/internal/syncerr"
)

// readCode returns the code to run: the file named by file ("-" for stdin)
// or the joined arguments.
func readCode(file string, args []string, stdin io.Reader) (string, error) {
	if file == "" {
		return strings.Join(args, " "), nil
	}
	if len(args) > 0 {
		return "", syncerr.NewConfigurationError("code", "pass code either as arguments or with --file, not both")
	}
	if file == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), nil
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "exec [code...]",
		Short: "Run Python code on the board",
		Long: `Run a snippet on the board through the raw REPL and print its output.
Use -- before code that starts with a dash, or --file to run a local script
("-" reads stdin).`,
		Example: `  mpy-sync exec "import os; print(os.listdir())"
  mpy-sync exec --file scripts/blink.py`,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			code, err := readCode(file, args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			out, err := a.svc.Exec(cmd.Context(), code)
			if err != nil {
				return err
			}
			if a.opts.json {
				return a.printJSON(map[string]string{"output": out})
			}
			fmt.Fprint(a.out, out)
			if out != "" && !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(a.out)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "run this local file instead of arguments")
	return cmd
}
