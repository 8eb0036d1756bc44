package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/mcp"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the worker exposes",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	cmd.Flags().Bool("json", false, "Print the catalog as JSON including input schemas")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pool, err := newPool(cmd, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closePool(pool, cfg.Worker.ShutdownGrace)

	tools, err := pool.Tools(cmd.Context())
	if err != nil {
		return invokeExitError(mcp.Outcome{}, err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tDESCRIPTION")
	for _, t := range tools {
		summary, _, _ := strings.Cut(strings.TrimSpace(t.Description), "\n")
		fmt.Fprintf(writer, "%s\t%s\n", t.Name, summary)
	}
	return writer.Flush()
}
