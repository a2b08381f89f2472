package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned sandboxes and expired history now",
	Long: `Run the maintenance jobs that "pybox serve" schedules, once: remove
sandbox containers and payload directories left behind by a process that
died mid-execution, and prune history older than the retention period.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.maintenance()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, job := range sched.Jobs() {
		if err := sched.RunNow(ctx, job.Name); err != nil {
			fmt.Fprintf(out, "%-14s failed: %v\n", job.Name, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%-14s done\n", job.Name)
	}
	if failed > 0 {
		return &ExitError{Code: 1}
	}
	return nil
}
