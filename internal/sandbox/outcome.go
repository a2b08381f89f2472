package sandbox

import (
	"context"
	"time"
)

// Kind is the terminal classification of one execution.
type Kind string

// Outcome kinds.
const (
	KindSuccess            Kind = "success"
	KindNonZeroExit        Kind = "non_zero_exit"
	KindTimeout            Kind = "timeout"
	KindResourceKilled     Kind = "resource_killed"
	KindProvisioningFailed Kind = "provisioning_failed"
	// KindFailed covers backend errors during a run, caller cancellation and
	// recovered internal faults.
	KindFailed Kind = "failed"
)

// Failure reasons reported with KindFailed.
const (
	FailBackendError = "backend_error"
	FailCancelled    = "cancelled"
	FailInternal     = "internal_error"
)

// Request is one code payload submitted for execution.
type Request struct {
	// Code is the Python source to run.
	Code string
	// Input is fed to the payload's standard input, then closed.
	Input string
}

// Outcome is the full result surface returned to callers. It carries no
// environment identifiers or host paths.
type Outcome struct {
	Kind            Kind          `json:"kind"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        *int          `json:"exit_code"`
	StdoutTruncated bool          `json:"stdout_truncated"`
	StderrTruncated bool          `json:"stderr_truncated"`
	// Partial is set when output was cut short by a timeout, kill or failure.
	Partial bool   `json:"partial"`
	Reason  string `json:"reason,omitempty"`
	// Elapsed runs from request acceptance to the start of teardown.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Truncated reports whether either stream was capped.
func (o Outcome) Truncated() bool {
	return o.StdoutTruncated || o.StderrTruncated
}

// Executor runs one payload to exactly one terminal outcome.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}
