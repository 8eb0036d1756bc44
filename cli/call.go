package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/mcp"
)

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool on a freshly spawned worker",
		Example: `  petalquery call list-tables --args '{"datasets_filter":["sales"]}'
  petalquery call describe-table --arg table_name=sales.orders
  petalquery call execute-query --arg query="SELECT 1"`,
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}
	cmd.Flags().StringArray("arg", nil, "String argument KEY=VALUE (repeatable)")
	cmd.Flags().String("args", "", "Arguments as an inline JSON object")
	cmd.Flags().Duration("timeout", 0, "Call timeout (default: worker.call_timeout)")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	toolArgs, err := parseToolArgs(cmd)
	if err != nil {
		return err
	}

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

	var opts []mcp.CallOption
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, mcp.WithTimeout(timeout))
	}

	outcome, err := pool.Invoke(cmd.Context(), name, toolArgs, opts...)
	if err != nil {
		return invokeExitError(outcome, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), outcome.Text)
	return nil
}

// parseToolArgs merges --args JSON with --arg pairs; pairs win.
func parseToolArgs(cmd *cobra.Command) (map[string]any, error) {
	out := map[string]any{}
	if raw, _ := cmd.Flags().GetString("args"); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, exitError(exitInputParse, "--args must be a JSON object: %v", err)
		}
	}
	pairs, _ := cmd.Flags().GetStringArray("arg")
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, exitError(exitInputParse, "--arg %q must be KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

type poolCloser interface {
	Close(ctx context.Context) error
}

func closePool(pool poolCloser, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*grace+time.Second)
	defer cancel()
	_ = pool.Close(ctx)
}
