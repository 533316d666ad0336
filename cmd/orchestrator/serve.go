package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentsociety/orchestrator/internal/config"
	"github.com/agentsociety/orchestrator/internal/observability"
	"github.com/agentsociety/orchestrator/internal/runtime"
)

// errInterrupted marks a graceful shutdown triggered by SIGINT/SIGTERM, so
// main can map it to exit code 130 rather than a generic failure.
var errInterrupted = errors.New("interrupted")

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		metricsAddr string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator runtime",
		Long: `Start the orchestrator: load configuration, wire every CORE component,
and run the scheduler loop until interrupted.

The server will:
1. Load and validate the YAML configuration file.
2. Construct ArtifactStore, WorkspaceManager, MessageBus, OrgPrimitives,
   ConversationManager, LlmClient, ToolExecutor, AgentManager, and
   LlmHandler, wiring each to the narrow interfaces it declares.
3. Start the scheduler's dispatch loop.
4. Serve Prometheus metrics on --metrics-addr.

Graceful shutdown is handled on SIGINT/SIGTERM, bounded by the
configuration's shutdownGracePeriod.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, metricsAddr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath, metricsAddr string, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	slogger := logger.Slog()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	slogger.Info("orchestrator started", "config", configPath, "metrics_addr", metricsAddr)

	runDone := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(runDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slogger.Info("shutdown signal received, draining in-flight handlers")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		slogger.Warn("shutdown grace period elapsed with handlers still in flight")
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	slogger.Info("orchestrator stopped")
	return errInterrupted
}
