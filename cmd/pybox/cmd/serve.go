package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the execution API over HTTP",
	Long: `Start the HTTP API: POST /v1/execute, the agent tool endpoints under
/v1/tools, execution history, /healthz and Prometheus metrics at /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, 127.0.0.1:8088)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Ping(ctx); err != nil {
		// Requests will report provisioning_failed until the daemon is back.
		a.logger.Warn("docker daemon not reachable", slog.String("error", err.Error()))
	}

	opts := server.Options{
		Runner:   a.python,
		Registry: a.registry,
		Health:   a.engine,
		Metrics:  a.metrics,
		Tracer:   a.tracing.Tracer(),
		Logger:   a.logger,
	}
	if a.store != nil {
		opts.History = a.store
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	a.logger.Info("sandbox policy",
		slog.String("image", a.policy.Image),
		slog.Int64("memory_bytes", a.policy.MemoryBytes),
		slog.Float64("cpus", a.policy.CPUQuota),
		slog.Duration("timeout", a.policy.Timeout),
		slog.Bool("network", a.policy.NetworkEnabled),
		slog.String("history", a.historyPath()),
	)

	sched, err := a.maintenance()
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	if err := srv.Start(ctx, addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
