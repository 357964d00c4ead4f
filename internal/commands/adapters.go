package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAdaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "Print the configured debug adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resolver, err := cfg.Resolver()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			types := resolver.Types()
			if len(types) == 0 {
				fmt.Fprintln(out, "No debug adapters configured.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCOMMAND\tDIR\tENV")
			for _, debugType := range types {
				c, err := resolver.Resolve(debugType)
				if err != nil {
					return err
				}
				dir := c.Dir
				if dir == "" {
					dir = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Type, c.String(), dir, envNames(c.Env))
			}
			return w.Flush()
		},
	}
}

// envNames lists variable names only; values may hold secrets.
func envNames(env []string) string {
	if len(env) == 0 {
		return "-"
	}
	names := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		names = append(names, name)
	}
	return strings.Join(names, ",")
}
