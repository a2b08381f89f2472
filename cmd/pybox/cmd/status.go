package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/sandbox"
	"github.com/hkuds/pybox/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sandbox policy and Docker health",
	Long:  "Resolve the sandbox policy from config, .env and flags, check that the Docker daemon answers, and print both.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// An invalid policy is reported here rather than at the first execution.
	policy, err := sandbox.ResolvePolicy(cfg.Sandbox)
	if err != nil {
		return err
	}

	st := tui.Status{
		Policy:     policy,
		BackendErr: pingDocker(cmd.Context()),
		ListenAddr: cfg.Server.Addr,
	}
	if cfg.History.Enabled {
		st.HistoryPath = cfg.HistoryPath()
	}

	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderStatus(st))
	if st.BackendErr != nil {
		return &ExitError{Code: 1}
	}
	return nil
}

func pingDocker(ctx context.Context) error {
	rt, err := sandbox.NewDockerRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return rt.Ping(ctx)
}

