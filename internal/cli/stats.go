package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/metrics"
)

func newStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		Long: `Show in-memory server statistics since the last restart: run counts and
timings per kind, admission rejections, active runs and connected viewers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := root.client.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get server stats: %w", describe(err))
			}
			printServerStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// printServerStats displays server runtime statistics.
func printServerStats(out io.Writer, stats *client.Stats) {
	m := stats.Metrics
	fmt.Fprintf(out, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(out, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(out, "Uptime: %.1f seconds\n", m.UptimeSeconds)
	fmt.Fprintf(out, "Viewers: %d\n", stats.Sessions)

	sections := []struct {
		title string
		op    *metrics.OperationSnapshot
	}{
		{"Optimization runs", m.Optimization},
		{"Script runs", m.Script},
		{"Store writes", m.StoreWrite},
		{"HTTP requests", m.HTTPRequest},
	}
	for _, s := range sections {
		if s.op != nil {
			fmt.Fprintf(out, "\n%s:\n", s.title)
			printOpStats(out, s.op)
		}
	}

	if len(m.Runs) > 0 {
		fmt.Fprintf(out, "\nOutcomes:\n")
		for _, kind := range sortedKeys(m.Runs) {
			byStatus := m.Runs[kind]
			parts := make([]string, 0, len(byStatus))
			for _, status := range sortedKeys(byStatus) {
				parts = append(parts, fmt.Sprintf("%s %d", status, byStatus[status]))
			}
			fmt.Fprintf(out, "  %-13s %s\n", kind, strings.Join(parts, ", "))
		}
	}

	if len(m.Rejections) > 0 {
		fmt.Fprintf(out, "\nRejected:\n")
		for _, reason := range sortedKeys(m.Rejections) {
			fmt.Fprintf(out, "  %-15s %d\n", reason, m.Rejections[reason])
		}
	}

	if len(stats.ActiveRuns) > 0 {
		fmt.Fprintf(out, "\nActive runs (%d):\n", len(stats.ActiveRuns))
		for _, r := range stats.ActiveRuns {
			state := string(r.Status)
			if r.Cancelling {
				state = "cancelling"
			}
			fmt.Fprintf(out, "  %-36s %-10s %3d%%\n", r.ID, state, r.Progress)
		}
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(out io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(out, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Fprintf(out, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
