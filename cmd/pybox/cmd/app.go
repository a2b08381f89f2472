package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/config"
	"github.com/hkuds/pybox/internal/cron"
	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/observability"
	"github.com/hkuds/pybox/internal/sandbox"
	"github.com/hkuds/pybox/internal/tools"
)

// app holds everything a command needs to execute code.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	policy   sandbox.Policy
	runtime  *sandbox.DockerRuntime
	engine   *sandbox.Engine
	metrics  *observability.MetricsCollector
	tracing  *observability.TracerSetup
	store    *history.Store // nil when history is disabled
	python   *tools.PythonTool
	registry *tools.ToolRegistry
}

// newApp resolves the policy once and wires the engine, observability,
// history and tools around it.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	policy, err := sandbox.ResolvePolicy(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, policy: policy}

	a.runtime, err = sandbox.NewDockerRuntime(logger)
	if err != nil {
		return nil, err
	}

	a.metrics = observability.NewMetricsCollector()
	a.tracing, err = observability.NewTracerSetup(ctx, cfg.Tracing)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a.engine, err = sandbox.NewEngine(policy, a.runtime, sandbox.Options{
		Logger:            logger,
		OnTeardownAnomaly: a.metrics.TeardownHook(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	executor := observability.NewInstrumentedExecutor(a.engine, a.metrics, a.tracing)

	if cfg.History.Enabled {
		a.store, err = history.Open(cfg.HistoryPath())
		if err != nil {
			// History is a convenience; executions still work without it.
			logger.Warn("execution history unavailable",
				slog.String("path", cfg.HistoryPath()),
				slog.String("error", err.Error()))
			a.store = nil
		}
	}

	opts := tools.PythonOptions{
		MaxConcurrent: int64(cfg.Tools.MaxConcurrent),
		Logger:        logger,
		OnAdmissionWait: func(d time.Duration) {
			a.metrics.AdmissionWaitDuration.Observe(d.Seconds())
		},
	}
	if a.store != nil {
		opts.History = a.store
	}
	a.python = tools.NewPythonTool(executor, opts)

	a.registry = tools.NewRegistry()
	a.registry.MustRegister(a.python)
	if a.store != nil {
		a.registry.MustRegister(tools.NewHistoryTool(a.store))
	}

	return a, nil
}

// Close releases the Docker client, the history database and the tracer.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing history", slog.String("error", err.Error()))
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	}
	if a.runtime != nil {
		a.runtime.Close()
	}
}

// maintenance builds the background cleanup jobs from config.
func (a *app) maintenance() (*cron.Scheduler, error) {
	mc := a.cfg.Maintenance
	sched := cron.NewScheduler(a.logger)

	if scheduled(mc.SweepSchedule) {
		reaper := sandbox.NewReaper(a.runtime, a.policy, a.logger)
		err := sched.Add("sweep_orphans", mc.SweepSchedule, func(ctx context.Context) error {
			report, err := reaper.Sweep(ctx)
			if report.Containers+report.PayloadDirs > 0 {
				a.logger.Info("swept orphaned environments",
					slog.Int("containers", report.Containers),
					slog.Int("payload_dirs", report.PayloadDirs))
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if a.store != nil && scheduled(mc.PruneSchedule) && mc.HistoryRetention != "" {
		retention, err := time.ParseDuration(mc.HistoryRetention)
		if err != nil || retention <= 0 {
			return nil, fmt.Errorf("maintenance.historyRetention: invalid duration %q", mc.HistoryRetention)
		}
		err = sched.Add("prune_history", mc.PruneSchedule, func(ctx context.Context) error {
			n, err := a.store.Prune(ctx, time.Now().Add(-retention))
			if n > 0 {
				a.logger.Info("pruned execution history", slog.Int64("records", n))
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return sched, nil
}

func scheduled(spec string) bool {
	return spec != "" && spec != "off"
}

func (a *app) historyPath() string {
	if a.store == nil {
		return ""
	}
	return a.cfg.HistoryPath()
}
