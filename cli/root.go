// Package cli implements the petalquery command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/config"
)

// NewRootCmd returns the petalquery command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalquery",
		Short: "BigQuery tools over a supervised stdio worker",
		Long: "petalquery runs BigQuery data tools in a worker process and exposes them " +
			"through an HTTP gateway or the command line.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to petalquery.yaml (default: ./petalquery.yaml or ~/.petalquery/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "text", "Log format: text | json")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalquery version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewWorkerCmd(version))
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewToolsCmd())
	return root
}

// newLogger builds the command's logger from the persistent flags. Logs
// always go to stderr; stdout belongs to command output or the protocol.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	format, _ := cmd.Flags().GetString("log-format")
	return buildLogger(cmd.ErrOrStderr(), verbose, quiet, format)
}

func buildLogger(w io.Writer, verbose, quiet bool, format string) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch {
	case verbose && quiet:
		return nil, exitError(exitValidation, "--verbose and --quiet are mutually exclusive")
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, exitError(exitValidation, "unsupported log format %q (want text or json)", format)
	}
}

// loadConfig resolves the config file named by --config, applies the
// environment and returns it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(explicit)
	if err != nil {
		return config.Config{}, exitError(exitValidation, "%v", err)
	}
	return cfg, nil
}
