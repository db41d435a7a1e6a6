package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/models"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		rooms     []string
		jobs      []string
		modelType []string
	)

	cmd := &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Follow a run, or stream live events",
		Long: `With a run ID, follow that run until it finishes. On a terminal this shows a
progress display; otherwise every event is printed as a line.

Without a run ID, print every event on the dashboard plus any extra rooms
until interrupted.

Examples:
  runhub watch DMO_1767225600000_a1b2c3
  runhub watch
  runhub watch --model-type DMO --room script`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return follow(cmd, root, args[0])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			all := append([]string{}, rooms...)
			for _, id := range jobs {
				all = append(all, hub.JobRoom(id))
			}
			for _, mt := range modelType {
				all = append(all, hub.ModelRoom(mt))
			}

			out := cmd.OutOrStdout()
			err := root.client.Watch(ctx, all, func(f client.Frame) error {
				if ev, ok := f.RunEvent(); ok {
					fmt.Fprintln(out, formatEvent(ev, root.verbose))
				} else if root.verbose {
					fmt.Fprintf(out, "[%s] %s\n", f.Event, f.Room)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&rooms, "room", "r", nil, "extra rooms to join (optimization, script, job:<id>, model:<type>)")
	cmd.Flags().StringSliceVar(&jobs, "job", nil, "join job:<id> rooms")
	cmd.Flags().StringSliceVar(&modelType, "model-type", nil, "join model:<type> rooms")
	return cmd
}

// follow waits for a run to finish, with the progress UI on a terminal and
// line output otherwise. It fails unless the run succeeded.
func follow(cmd *cobra.Command, root *rootOptions, runID string) error {
	out := cmd.OutOrStdout()
	if root.interactive(out) {
		return RunProgress(root.client, runID)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	final, err := root.client.WatchRun(ctx, runID, func(ev models.Event) {
		fmt.Fprintln(out, formatEvent(ev, root.verbose))
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Run %s continues in background.\n", runID)
		return nil
	}
	if err != nil {
		return describe(err)
	}
	return outcome(out, final)
}

// outcome prints the closing line of a followed run.
func outcome(out io.Writer, ev models.Event) error {
	switch ev.Type {
	case models.EventCompleted:
		fmt.Fprintf(out, "✓ Run %s completed\n", ev.RunID)
		return nil
	case models.EventCancelled:
		return fmt.Errorf("run %s was cancelled", ev.RunID)
	default:
		if ev.Error != "" {
			return fmt.Errorf("run %s failed: %s", ev.RunID, ev.Error)
		}
		return fmt.Errorf("run %s failed", ev.RunID)
	}
}

// formatEvent renders one event as a terminal line.
func formatEvent(ev models.Event, verbose bool) string {
	var b strings.Builder
	if verbose {
		b.WriteString(ev.Timestamp.Local().Format(time.TimeOnly))
		b.WriteByte(' ')
		b.WriteString(ev.RunID)
		b.WriteByte(' ')
	}
	switch ev.Type {
	case models.EventLog:
		fmt.Fprintf(&b, "%-7s %s", levelTag(ev.Level), ev.Message)
	case models.EventProgress:
		if ev.Progress != nil {
			fmt.Fprintf(&b, "%-7s %d%%", "[prog]", *ev.Progress)
		}
	case models.EventStarted:
		fmt.Fprintf(&b, "%-7s %s %s started", "[start]", ev.Scope, ev.TargetName)
	default:
		fmt.Fprintf(&b, "%-7s %s", "["+string(ev.Type)+"]", ev.Status)
		if ev.Error != "" {
			fmt.Fprintf(&b, ": %s", ev.Error)
		}
	}
	if !verbose && ev.Type != models.EventLog && ev.Type != models.EventProgress {
		fmt.Fprintf(&b, " (%s)", ev.RunID)
	}
	return b.String()
}

func levelTag(l models.LogLevel) string {
	switch l {
	case models.LevelError, models.LevelStderr:
		return "[err]"
	case models.LevelWarning:
		return "[warn]"
	case models.LevelStdout:
		return "[out]"
	default:
		return "[info]"
	}
}
