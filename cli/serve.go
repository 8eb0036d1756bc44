package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalquery/gateway"
	"github.com/petal-labs/petalquery/host"
	petalotel "github.com/petal-labs/petalquery/otel"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway backed by a worker",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: gateway.addr)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().String("probe-schedule", "", "Cron schedule for worker liveness probes (default: worker.probe_schedule)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Addr = addr
	}
	if schedule, _ := cmd.Flags().GetString("probe-schedule"); schedule != "" {
		cfg.Worker.ProbeSchedule = schedule
	}
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	if (tlsCert == "") != (tlsKey == "") {
		return exitError(exitValidation, "--tls-cert and --tls-key must be set together")
	}

	providers, err := petalotel.Setup(cmd.Context(), petalotel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return exitError(exitValidation, "initializing telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	observer, err := providers.Observer()
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}

	pool, err := newPool(cmd, cfg, observer, logger)
	if err != nil {
		return err
	}
	defer closePool(pool, cfg.Worker.ShutdownGrace)

	if cfg.Worker.ProbeSchedule != "" {
		scheduler, err := host.NewProbeScheduler(host.ProbeSchedulerConfig{
			Target:   pool,
			Schedule: cfg.Worker.ProbeSchedule,
			Logger:   logger,
		})
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		if err := scheduler.Start(cmd.Context()); err != nil {
			return fmt.Errorf("starting probe scheduler: %w", err)
		}
		defer func() {
			_ = scheduler.Stop(context.Background())
		}()
	}

	if cfg.Gateway.Token == "" {
		logger.Warn("gateway token not set; tool routes are unauthenticated")
	}
	gw := gateway.New(gateway.Config{
		Invoker:        pool,
		Token:          cfg.Gateway.Token,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Gateway.Addr,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Addr, "tls", tlsCert != "")
		if tlsCert != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
