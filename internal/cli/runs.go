package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/models"
)

func newRunsCmd(root *rootOptions) *cobra.Command {
	var (
		q        client.RunQuery
		kind     string
		statuses []string
		logs     int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List or inspect runs",
		Long: `List execution records, most recent first, or inspect a single run.

Examples:
  runhub runs                           # List recent runs
  runhub runs --status running,pending  # Only active runs
  runhub runs --kind script -n 10
  runhub runs DMO_1767225600000_a1b2c3  # Show one run with its latest logs`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			// If run ID provided, show that specific run
			if len(args) == 1 {
				st, err := root.client.Status(cmd.Context(), args[0], logs)
				if err != nil {
					return describe(err)
				}
				printRun(out, st)
				return nil
			}

			q.Kind = models.RunKind(kind)
			for _, s := range statuses {
				q.Statuses = append(q.Statuses, models.RunStatus(s))
			}
			page, err := root.client.ListRuns(cmd.Context(), q)
			if err != nil {
				return describe(err)
			}
			printRunTable(out, page)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "optimization or script")
	cmd.Flags().StringVar(&q.Category, "category", "", "filter by category")
	cmd.Flags().StringVarP(&q.TargetID, "target", "t", "", "filter by model or script ID")
	cmd.Flags().StringVar(&q.DataSourceID, "data-source", "", "filter by data source ID")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, running, success, failed, cancelled)")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "max results")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip results")
	cmd.Flags().IntVarP(&logs, "logs", "l", 10, "log lines to show for a single run")
	return cmd
}

func printRunTable(out io.Writer, page *models.RunPage) {
	if len(page.Runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return
	}

	fmt.Fprintf(out, "%-36s %-12s %-16s %-10s %-5s %-20s %s\n", "ID", "KIND", "TARGET", "STATUS", "PROG", "STARTED", "DURATION")
	fmt.Fprintln(out, strings.Repeat("-", 112))
	for _, r := range page.Runs {
		duration := ""
		if r.DurationMs != nil {
			duration = formatMillis(*r.DurationMs)
		}
		fmt.Fprintf(out, "%-36s %-12s %-16s %-10s %4d%% %-20s %s\n",
			r.ID, r.Kind, r.TargetID, r.Status, r.Progress,
			r.StartedAt.Local().Format(time.DateTime), duration)
	}
	if page.Total > page.Offset+len(page.Runs) {
		fmt.Fprintf(out, "\nShowing %d-%d of %d (use --offset for more)\n", page.Offset+1, page.Offset+len(page.Runs), page.Total)
	}
}

func printRun(out io.Writer, st *client.RunStatus) {
	fmt.Fprintf(out, "Run: %s\n", st.ID)
	fmt.Fprintf(out, "  Kind: %s (%s)\n", st.Kind, st.Category)
	target := st.TargetID
	if st.TargetName != "" && st.TargetName != st.TargetID {
		target = fmt.Sprintf("%s (%s)", st.TargetName, st.TargetID)
	}
	fmt.Fprintf(out, "  Target: %s\n", target)
	if st.DataSourceID != nil {
		fmt.Fprintf(out, "  Data source: %s\n", *st.DataSourceID)
	}
	fmt.Fprintf(out, "  Status: %s\n", st.Status)
	fmt.Fprintf(out, "  Progress: %d%%\n", st.Progress)
	fmt.Fprintf(out, "  Triggered by: %s\n", st.TriggeredBy)
	fmt.Fprintf(out, "  Started: %s\n", st.StartedAt.Format(time.RFC3339))
	if st.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", st.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Duration: %s\n", formatMillis(st.DurationMs))
	if st.ExitCode != nil {
		fmt.Fprintf(out, "  Exit code: %d\n", *st.ExitCode)
	}
	if st.ResultsCount != nil {
		fmt.Fprintf(out, "  Results: %d\n", *st.ResultsCount)
	}
	if st.ObjectiveValue != nil {
		fmt.Fprintf(out, "  Objective: %g\n", *st.ObjectiveValue)
	}
	if st.ErrorMessage != nil && *st.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error: %s\n", *st.ErrorMessage)
	}
	if st.Active != nil && st.Active.PID > 0 {
		fmt.Fprintf(out, "  PID: %d\n", st.Active.PID)
	}
	fmt.Fprintf(out, "  Log file: %s\n", st.LogFilePath)

	if len(st.Logs) > 0 {
		fmt.Fprintf(out, "\nLatest logs (%d):\n", len(st.Logs))
		for _, l := range st.Logs {
			fmt.Fprintf(out, "  %-7s %s\n", levelTag(l.Level), l.Message)
		}
	}
}

// formatMillis renders a duration in milliseconds for humans.
func formatMillis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(100 * time.Millisecond).String()
}
