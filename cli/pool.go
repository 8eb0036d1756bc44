package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/config"
	"github.com/petal-labs/petalquery/host"
)

// newPool builds the session pool for cfg. Without worker.command the host
// re-executes its own binary as the worker, forwarding --config.
func newPool(cmd *cobra.Command, cfg config.Config, observer host.Observer, logger *slog.Logger) (*host.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, exitError(exitValidation, "%v", err)
	}

	var defaultArgs []string
	defaultCommand := cfg.Worker.Command
	if defaultCommand == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		defaultCommand = self
		defaultArgs = []string{"worker"}
		if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
			defaultArgs = append(defaultArgs, "--config", explicit)
		}
	}

	session := cfg.Session()
	session.Logger = logger
	return host.NewPool(host.PoolConfig{
		Process:  cfg.Process(defaultCommand, defaultArgs...),
		Session:  session,
		Observer: observer,
		Logger:   logger,
	}), nil
}
