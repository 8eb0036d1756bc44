package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/config"
	"github.com/petal-labs/petalquery/datastore"
	"github.com/petal-labs/petalquery/datastore/bigquery"
	"github.com/petal-labs/petalquery/datastore/sqlite"
	"github.com/petal-labs/petalquery/mcp"
	"github.com/petal-labs/petalquery/tool"
)

const workerServerName = "bigquery"

// NewWorkerCmd creates the "worker" subcommand: the data tool server that
// speaks the protocol on stdin and stdout.
func NewWorkerCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the data tools on stdin/stdout (spawned by the host)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, version)
		},
	}
}

func runWorker(cmd *cobra.Command, version string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.DataStore.Validate(); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.DataStore)
	if err != nil {
		return exitError(exitRuntime, "opening %s data store: %v", cfg.DataStore.Driver, err)
	}
	service := datastore.NewService(store, logger)
	defer func() {
		if err := service.Close(); err != nil {
			logger.Warn("closing data store", "error", err)
		}
	}()

	executor, err := newDataExecutor(service, logger)
	if err != nil {
		return exitError(exitRuntime, "registering data tools: %v", err)
	}
	server := mcp.NewServer(executor, mcp.ServerConfig{
		Info:   mcp.ServerInfo{Name: workerServerName, Version: version},
		Logger: logger,
	})

	logger.Info("worker serving", "driver", cfg.DataStore.Driver, "pid", os.Getpid())
	if err := server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
		return exitError(exitRuntime, "worker stream: %v", err)
	}
	return nil
}

func newDataExecutor(service tool.DataService, logger *slog.Logger) (*tool.Executor, error) {
	registry := tool.NewRegistry()
	if err := tool.RegisterDataTools(registry, service); err != nil {
		return nil, err
	}
	return tool.NewExecutor(tool.ExecutorConfig{Registry: registry, Logger: logger}), nil
}

func openStore(ctx context.Context, cfg config.DataStoreConfig) (datastore.Store, error) {
	switch cfg.Driver {
	case config.DriverBigQuery:
		return bigquery.Open(ctx, cfg.BigQuery())
	case config.DriverSQLite:
		sqliteCfg, err := cfg.SQLite()
		if err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, sqliteCfg)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
