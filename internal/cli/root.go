// Package cli provides the command-line interface for runhub.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// rootOptions holds the global flags and the client shared by subcommands.
type rootOptions struct {
	server  string
	verbose bool
	noTUI   bool

	client *client.Client
}

// NewRootCmd builds the runhub command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "runhub",
		Short: "Trigger optimization jobs and scripts, follow their logs live",
		Long: `Runhub starts optimization models and ad-hoc scripts on a runhub server,
tracks their execution records and streams their output as it happens.

The server URL is taken from --server, RUNHUB_SERVER_URL or defaults to
http://localhost:8484.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip client setup for version and help commands
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			if opts.server == "" {
				opts.server = config.Load().ServerURL
			}
			opts.client = client.New(opts.server)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "", "server URL")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.noTUI, "no-tui", false, "print events as lines even on a terminal")

	cmd.AddCommand(
		newTriggerCmd(opts),
		newExecCmd(opts),
		newRunsCmd(opts),
		newLogsCmd(opts),
		newWatchCmd(opts),
		newCancelCmd(opts),
		newModelsCmd(opts),
		newScriptsCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// interactive reports whether w is a terminal the progress UI can draw on.
func (o *rootOptions) interactive(w io.Writer) bool {
	if o.noTUI {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// describe turns API errors into a one-line hint for the terminal.
func describe(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Reason {
	case "quota_exceeded":
		return fmt.Errorf("%s (existing run: %s)", apiErr.ErrorResponse.Error, apiErr.ExistingRunID)
	case "":
		return errors.New(apiErr.ErrorResponse.Error)
	default:
		return fmt.Errorf("%s: %s", apiErr.Reason, apiErr.ErrorResponse.Error)
	}
}
