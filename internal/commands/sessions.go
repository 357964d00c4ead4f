package commands

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/storage"
)

func newSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print recent debug sessions from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := storage.OpenInDir(cfg.DataDir, storage.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTYPE\tPID\tSTATE\tREASON\tEXIT\tSTARTED\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.SessionID,
					orDash(e.DebugType),
					pidString(e.Pid),
					e.State,
					orDash(e.CloseReason),
					exitString(e.ExitCode),
					e.CreatedAt.Local().Format(time.DateTime),
					durationString(e.CreatedAt, e.ClosedAt),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to print")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func exitString(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func durationString(start time.Time, end *time.Time) string {
	if end == nil {
		return "running"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
