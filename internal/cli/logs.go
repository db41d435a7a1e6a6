package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/models"
)

func newLogsCmd(root *rootOptions) *cobra.Command {
	var (
		q     client.LogQuery
		level string
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show the stored log lines of a run",
		Long: `Show the structured log lines of a run in order, or the raw log file with
--raw.

Examples:
  runhub logs DMO_1767225600000_a1b2c3
  runhub logs DMO_1767225600000_a1b2c3 --level error
  runhub logs DMO_1767225600000_a1b2c3 --raw > run.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if raw {
				text, err := root.client.LogFile(cmd.Context(), args[0])
				if err != nil {
					return describe(err)
				}
				fmt.Fprint(out, text)
				return nil
			}

			q.Level = models.LogLevel(level)
			page, err := root.client.Logs(cmd.Context(), args[0], q)
			if err != nil {
				return describe(err)
			}
			if len(page.Logs) == 0 {
				fmt.Fprintln(out, "No log lines")
				return nil
			}
			for _, l := range page.Logs {
				if root.verbose {
					fmt.Fprintf(out, "%6d %s ", l.Seq, l.Timestamp.Local().Format(time.TimeOnly))
				}
				fmt.Fprintf(out, "%-7s %s\n", levelTag(l.Level), l.Message)
			}
			if page.Total > page.Offset+len(page.Logs) {
				fmt.Fprintf(out, "\n%d more lines (use --offset %d)\n", page.Total-page.Offset-len(page.Logs), page.Offset+len(page.Logs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only lines of this level (info, warning, error, stdout, stderr)")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 500, "max lines")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip lines")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw log file")
	return cmd
}
