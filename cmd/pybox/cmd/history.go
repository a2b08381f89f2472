package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/tui"
)

var (
	historySession string
	historyLimit   int
	historySince   time.Duration
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history [execution-id]",
	Short: "List recorded executions",
	Long:  "List recent executions from the history database, or show one execution in full.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historySession, "session", "", "only show this session")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of executions")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only show executions newer than this, e.g. 1h")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("execution history is disabled in the config")
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(cmd, rec)
		}
		fmt.Fprintf(out, "%s  session=%q\n\n%s\n\n", rec.ID, rec.SessionID, rec.Code)
		fmt.Fprint(out, tui.RenderOutcome(rec.Outcome()))
		if rec.Truncated {
			fmt.Fprintln(out, "(output was truncated when recorded)")
		}
		return nil
	}

	var records []history.Record
	switch {
	case historySession != "":
		records, err = store.ListBySession(ctx, historySession, historyLimit)
	case historySince > 0:
		records, err = store.Recent(ctx, time.Now().Add(-historySince), historyLimit)
	default:
		records, err = store.Recent(ctx, time.Time{}, historyLimit)
	}
	if err != nil {
		return err
	}

	if historyJSON {
		if records == nil {
			records = []history.Record{}
		}
		return writeJSON(cmd, records)
	}
	fmt.Fprint(out, tui.RenderHistory(records))
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
