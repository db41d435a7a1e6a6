package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/models"
)

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Long: `Ask the server to stop an active run. The process is sent SIGTERM and killed
if it does not exit within the configured grace period.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.client.Cancel(cmd.Context(), args[0]); err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelling run %s\n", args[0])
			return nil
		},
	}
}

func newModelsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List optimization models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDescriptors(cmd.Context(), cmd.OutOrStdout(), root.client.Models)
		},
	}
}

func newScriptsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDescriptors(cmd.Context(), cmd.OutOrStdout(), root.client.Scripts)
		},
	}
}

func listDescriptors(ctx context.Context, out io.Writer, fetch func(context.Context) ([]models.Descriptor, error)) error {
	ds, err := fetch(ctx)
	if err != nil {
		return describe(err)
	}
	if len(ds) == 0 {
		fmt.Fprintln(out, "None registered")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-28s %-10s %-8s %-6s %s\n", "ID", "NAME", "CATEGORY", "ACTIVE", "RUNS", "LAST USED")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, d := range ds {
		active := "yes"
		if !d.Active {
			active = "no"
		}
		last := "never"
		if d.LastUsedAt != nil {
			last = d.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "%-20s %-28s %-10s %-8s %-6d %s\n", d.ID, d.Name, d.Category, active, d.TotalRuns, last)
	}
	return nil
}
