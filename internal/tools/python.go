package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/sandbox"
)

// DefaultMaxConcurrent bounds in-flight executions when no limit is configured.
const DefaultMaxConcurrent = 4

// Recorder stores execution records.
type Recorder interface {
	Save(ctx context.Context, rec *history.Record) error
}

// PythonOptions configures a PythonTool.
type PythonOptions struct {
	// MaxConcurrent is the number of executions admitted at once.
	MaxConcurrent int64
	// History, when set, receives a record of every execution.
	History Recorder
	Logger  *slog.Logger
	// OnAdmissionWait observes how long a call waited for a slot.
	OnAdmissionWait func(time.Duration)
}

// PythonTool runs model-written Python code in the sandbox.
type PythonTool struct {
	executor sandbox.Executor
	sem      *semaphore.Weighted
	history  Recorder
	logger   *slog.Logger
	onWait   func(time.Duration)
}

// NewPythonTool creates the run_python_code tool.
func NewPythonTool(executor sandbox.Executor, opts PythonOptions) *PythonTool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PythonTool{
		executor: executor,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		history:  opts.History,
		logger:   logger,
		onWait:   opts.OnAdmissionWait,
	}
}

func (t *PythonTool) Name() string { return "run_python_code" }

func (t *PythonTool) Description() string {
	return "Run Python code in an isolated sandbox with no network access, a memory cap and a time limit. " +
		"Returns stdout, stderr and the exit status."
}

func (t *PythonTool) Schema() Schema {
	return Schema{
		Type: "object",
		Properties: map[string]Property{
			"code": {
				Type:        "string",
				Description: "Python 3 source code to run. Use print() to produce output.",
				MinLength:   intPtr(1),
			},
			"input": {
				Type:        "string",
				Description: "Text fed to the program's standard input (optional)",
			},
			"session_id": {
				Type:        "string",
				Description: "Conversation session the run belongs to, for history (optional)",
			},
		},
		Required: []string{"code"},
	}
}

// ErrEmptyCode is returned when a payload has no code in it.
var ErrEmptyCode = errors.New("python: code cannot be empty")

// Run is one admitted execution.
type Run struct {
	Outcome sandbox.Outcome `json:"outcome"`
	// RecordID is empty when history is off or the record could not be saved.
	RecordID string `json:"id,omitempty"`
}

// Execute runs the code. Outcomes of the code itself, including timeouts and
// provisioning failures, are reported in the returned text rather than as an
// error so the model can react to them.
func (t *PythonTool) Execute(ctx context.Context, params Params) (string, error) {
	code, err := params.String("code")
	if err != nil {
		return "", fmt.Errorf("python: %w", err)
	}
	req := sandbox.Request{Code: code, Input: params.StringOr("input", "")}

	run, err := t.Run(ctx, req, params.StringOr("session_id", ""))
	if err != nil {
		return "", err
	}
	return FormatOutcome(run.Outcome, run.RecordID), nil
}

// Run admits req, executes it and records the result. An error means the
// code never reached the sandbox.
func (t *PythonTool) Run(ctx context.Context, req sandbox.Request, sessionID string) (Run, error) {
	if strings.TrimSpace(req.Code) == "" {
		return Run{}, ErrEmptyCode
	}

	waitStart := time.Now()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return Run{}, fmt.Errorf("python: waiting for an execution slot: %w", err)
	}
	defer t.sem.Release(1)
	if t.onWait != nil {
		t.onWait(time.Since(waitStart))
	}

	run := Run{Outcome: t.executor.Execute(ctx, req)}

	if t.history != nil {
		rec := history.NewRecord(sessionID, "", req.Code, run.Outcome)
		// Record even if the caller has gone away.
		if err := t.history.Save(context.WithoutCancel(ctx), &rec); err != nil {
			t.logger.Warn("failed to record execution", slog.String("error", err.Error()))
		} else {
			run.RecordID = rec.ID
		}
	}
	return run, nil
}

// FormatOutcome renders an outcome as text for the model.
func FormatOutcome(out sandbox.Outcome, recordID string) string {
	var b strings.Builder

	switch out.Kind {
	case sandbox.KindSuccess:
		b.WriteString("Execution succeeded.")
	case sandbox.KindNonZeroExit:
		code := -1
		if out.ExitCode != nil {
			code = *out.ExitCode
		}
		fmt.Fprintf(&b, "Execution failed with exit code %d.", code)
	case sandbox.KindTimeout:
		b.WriteString("Execution timed out and was terminated. Output below is partial.")
	case sandbox.KindResourceKilled:
		b.WriteString("Execution was killed for exceeding the memory limit. Output below is partial.")
	case sandbox.KindProvisioningFailed:
		fmt.Fprintf(&b, "The sandbox could not be started (%s). The code did not run.", out.Reason)
	default:
		fmt.Fprintf(&b, "Execution was aborted (%s).", out.Reason)
	}

	writeStream(&b, "stdout", out.Stdout, out.StdoutTruncated)
	writeStream(&b, "stderr", out.Stderr, out.StderrTruncated)

	fmt.Fprintf(&b, "\n[elapsed: %.2fs]", out.Elapsed.Seconds())
	if recordID != "" {
		fmt.Fprintf(&b, "\n[execution id: %s]", recordID)
	}
	return b.String()
}

func writeStream(b *strings.Builder, name, content string, truncated bool) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "\n[%s]\n", name)
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	if truncated {
		fmt.Fprintf(b, "... [%s truncated]\n", name)
	}
}
