package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hkuds/pybox/internal/history"
)

const defaultHistoryLimit = 10

// HistoryReader lists stored executions.
type HistoryReader interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]history.Record, error)
	Recent(ctx context.Context, since time.Time, limit int) ([]history.Record, error)
}

// HistoryTool lets the model look back at earlier runs.
type HistoryTool struct {
	store HistoryReader
}

// NewHistoryTool creates the get_execution_history tool.
func NewHistoryTool(store HistoryReader) *HistoryTool {
	return &HistoryTool{store: store}
}

func (t *HistoryTool) Name() string { return "get_execution_history" }

func (t *HistoryTool) Description() string {
	return "List recent Python executions with their status, duration and the first line of code."
}

func (t *HistoryTool) Schema() Schema {
	return Schema{
		Type: "object",
		Properties: map[string]Property{
			"session_id": {
				Type:        "string",
				Description: "Only show runs from this session (optional)",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of runs to return (default 10)",
				Minimum:     floatPtr(1),
				Maximum:     floatPtr(100),
			},
		},
	}
}

// Execute lists executions, newest first.
func (t *HistoryTool) Execute(ctx context.Context, params Params) (string, error) {
	sessionID := params.StringOr("session_id", "")
	limit := params.IntOr("limit", defaultHistoryLimit)

	var (
		records []history.Record
		err     error
	)
	if sessionID != "" {
		records, err = t.store.ListBySession(ctx, sessionID, limit)
	} else {
		records, err = t.store.Recent(ctx, time.Time{}, limit)
	}
	if err != nil {
		return "", fmt.Errorf("history: %w", err)
	}

	if len(records) == 0 {
		if sessionID != "" {
			return fmt.Sprintf("No executions found for session %q.", sessionID), nil
		}
		return "No executions recorded yet.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution history (last %d runs):\n", len(records))
	for i, rec := range records {
		status := string(rec.Kind)
		if rec.ExitCode != nil {
			status = fmt.Sprintf("%s (exit %d)", status, *rec.ExitCode)
		}
		fmt.Fprintf(&b, "\n%d. %s | id %s | %s | %.2fs\n", i+1, status, rec.ID,
			rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Elapsed.Seconds())
		fmt.Fprintf(&b, "   %s\n", firstLine(rec.Code, 80))
	}
	return b.String(), nil
}

// firstLine returns the first line of code, cut to at most limit bytes on a
// rune boundary.
func firstLine(code string, limit int) string {
	line, _, more := strings.Cut(strings.TrimSpace(code), "\n")
	if len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		return line[:cut] + "..."
	}
	if more {
		return line + " ..."
	}
	return line
}
