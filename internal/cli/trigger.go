package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/runhub/internal/models"
)

// startOptions are the flags shared by trigger and exec.
type startOptions struct {
	config     string
	configFile string
	by         string
	wait       bool
}

func (s *startOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.config, "config", "c", "", "run configuration as a JSON object")
	cmd.Flags().StringVarP(&s.configFile, "config-file", "f", "", "read the run configuration from a file (- for stdin)")
	cmd.Flags().StringVar(&s.by, "by", "cli", "recorded as triggered_by")
	cmd.Flags().BoolVarP(&s.wait, "wait", "w", false, "follow the run until it finishes")
	cmd.MarkFlagsMutuallyExclusive("config", "config-file")
}

// rawConfig returns the configuration given by --config or --config-file.
func (s *startOptions) rawConfig(stdin io.Reader) (json.RawMessage, error) {
	data := []byte(s.config)
	switch s.configFile {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	default:
		b, err := os.ReadFile(s.configFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("config is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newTriggerCmd(root *rootOptions) *cobra.Command {
	var (
		start      startOptions
		dataSource string
	)

	cmd := &cobra.Command{
		Use:   "trigger <model-id>",
		Short: "Start an optimization run",
		Long: `Start an optimization model. The run is admitted only if the model exists,
is active, its configuration passes the model's schema and, for quota-limited
categories, it has not already run successfully today.

Examples:
  runhub trigger dmo-v1
  runhub trigger dmo-v1 --data-source ds-42 --config '{"horizon":24}' --wait
  runhub trigger rt-v2 -f config.json -w`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := start.rawConfig(cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := models.TriggerJobRequest{
				ModelID:     args[0],
				Config:      cfg,
				TriggeredBy: start.by,
			}
			if dataSource != "" {
				req.DataSourceID = &dataSource
			}

			resp, err := root.client.TriggerJob(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}
			return started(cmd, root, resp, start.wait)
		},
	}

	start.register(cmd)
	cmd.Flags().StringVarP(&dataSource, "data-source", "d", "", "data source ID passed to the model")
	return cmd
}

func newExecCmd(root *rootOptions) *cobra.Command {
	var start startOptions

	cmd := &cobra.Command{
		Use:   "exec <script-id> [-- args...]",
		Short: "Execute a script",
		Long: `Execute a registered script. Arguments after the script ID are passed to the
script unchanged.

Examples:
  runhub exec smoke
  runhub exec backfill -w -- --from 2026-01-01 --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := start.rawConfig(cmd.InOrStdin())
			if err != nil {
				return err
			}
			resp, err := root.client.ExecuteScript(cmd.Context(), args[0], models.ExecuteScriptRequest{
				Args:        args[1:],
				Config:      cfg,
				TriggeredBy: start.by,
			})
			if err != nil {
				return describe(err)
			}
			return started(cmd, root, resp, start.wait)
		},
	}

	start.register(cmd)
	return cmd
}

// started reports a new run and optionally follows it.
func started(cmd *cobra.Command, root *rootOptions, resp *models.TriggerResponse, wait bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started run %s\n", resp.RunID)
	if root.verbose {
		fmt.Fprintf(out, "  Log file: %s\n", resp.LogFilePath)
	}
	if !wait {
		fmt.Fprintf(out, "Use 'runhub watch %s' to follow it.\n", resp.RunID)
		return nil
	}
	return follow(cmd, root, resp.RunID)
}
