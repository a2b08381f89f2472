package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// supervisor runs a payload inside a provisioned environment and decides
// its terminal state.
type supervisor struct {
	runtime Runtime
	policy  Policy
	logger  *slog.Logger
}

// run starts the payload and races it against the deadline. Exactly one of
// exit, deadline or caller cancellation decides the state; the loser is
// cancelled. Output produced before a timeout or kill is kept.
func (s *supervisor) run(ctx context.Context, env *Environment, input string) rawResult {
	raw := rawResult{
		state:  StateRunning,
		stdout: newBoundedBuffer(s.policy.MaxOutputBytes),
		stderr: newBoundedBuffer(s.policy.MaxOutputBytes),
	}
	logger := s.logger.With(slog.String("env", env.ID))

	// Backend calls must still go through after the caller gives up, so
	// termination and inspection can run.
	opCtx := context.WithoutCancel(ctx)
	waitCtx, stopWait := context.WithCancel(opCtx)
	defer stopWait()

	id := env.ref()

	att, err := s.runtime.Attach(opCtx, id)
	if err != nil {
		raw.provisionErr = &ProvisioningError{Reason: ReasonAttachFailed, Err: err}
		return raw
	}
	defer att.Close()

	exited := s.runtime.Wait(waitCtx, id)

	if err := s.runtime.Start(opCtx, id); err != nil {
		raw.provisionErr = &ProvisioningError{Reason: ReasonStartFailed, Err: err}
		return raw
	}
	env.setState(StateRunning)

	drained := make(chan error, 1)
	go func() {
		drained <- drainOutput(att, raw.stdout, raw.stderr)
	}()
	go feedStdin(att.Stdin(), input)

	deadline := time.NewTimer(s.policy.Timeout)
	defer deadline.Stop()

	select {
	case st := <-exited:
		if st.Err != nil {
			logger.Warn("backend error while waiting for payload", slog.String("error", st.Err.Error()))
			raw.state = StateFailed
			raw.failReason = FailBackendError
			raw.err = st.Err
			// The payload may still be alive; make sure it is not.
			s.terminate(opCtx, logger, id, nil)
		} else {
			raw.state = StateCompleting
			raw.exitCode = int(st.Code)
		}
	case <-deadline.C:
		logger.Info("payload exceeded deadline", slog.Duration("timeout", s.policy.Timeout))
		raw.state = StateTimedOut
		s.terminate(opCtx, logger, id, exited)
	case <-ctx.Done():
		logger.Info("caller abandoned execution", slog.String("error", ctx.Err().Error()))
		raw.state = StateFailed
		raw.failReason = FailCancelled
		raw.err = ctx.Err()
		s.terminate(opCtx, logger, id, exited)
	}

	// The stream ends when the container exits; do not wait past the grace period.
	drainWait := time.NewTimer(s.policy.GracePeriod)
	defer drainWait.Stop()
	select {
	case err := <-drained:
		if err != nil && raw.state == StateCompleting {
			logger.Debug("output stream ended with error", slog.String("error", err.Error()))
		}
	case <-drainWait.C:
		logger.Warn("output stream did not close within grace period")
	}

	if raw.state == StateCompleting {
		// The isolation layer is the only source for a resource kill.
		ictx, cancel := context.WithTimeout(opCtx, s.policy.GracePeriod)
		state, err := s.runtime.Inspect(ictx, id)
		cancel()
		switch {
		case err != nil:
			logger.Warn("inspect after exit failed", slog.String("error", err.Error()))
		case state.OOMKilled:
			raw.state = StateResourceKilled
		}
	}

	env.setState(raw.state)
	return raw
}

// terminate sends SIGTERM to the environment, then SIGKILL if it is still
// alive after the grace period. With a nil exited channel it kills at once.
func (s *supervisor) terminate(ctx context.Context, logger *slog.Logger, id string, exited <-chan ExitStatus) {
	if exited == nil {
		if err := s.runtime.Signal(ctx, id, "SIGKILL"); err != nil {
			logger.Warn("kill failed", slog.String("error", err.Error()))
		}
		return
	}

	if err := s.runtime.Signal(ctx, id, "SIGTERM"); err != nil {
		logger.Warn("terminate signal failed", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(s.policy.GracePeriod)
	defer grace.Stop()
	select {
	case <-exited:
		return
	case <-grace.C:
	}

	logger.Warn("payload ignored terminate, escalating to kill", slog.Duration("grace", s.policy.GracePeriod))
	if err := s.runtime.Signal(ctx, id, "SIGKILL"); err != nil {
		logger.Warn("kill failed", slog.String("error", err.Error()))
	}

	confirm := time.NewTimer(s.policy.GracePeriod)
	defer confirm.Stop()
	select {
	case <-exited:
	case <-confirm.C:
		logger.Warn("environment still running after kill; teardown will force removal")
	}
}

// drainOutput copies the payload's streams and turns a panic in the copier
// into an error rather than a process crash.
func drainOutput(att Attachment, stdout, stderr io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output drain panic: %v", r)
		}
	}()
	return att.Drain(stdout, stderr)
}

func feedStdin(w io.WriteCloser, input string) {
	defer func() {
		_ = recover()
	}()
	if input != "" {
		_, _ = io.Copy(w, strings.NewReader(input))
	}
	_ = w.Close()
}
