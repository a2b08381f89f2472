package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Options configures an Engine.
type Options struct {
	// Logger receives lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// OnTeardownAnomaly is called for every cleanup step that fails.
	OnTeardownAnomaly func(*TeardownAnomaly)
}

// Engine executes untrusted Python payloads, each in a fresh isolated
// environment that is destroyed before Execute returns. It is safe for
// concurrent use; executions share nothing.
type Engine struct {
	policy      Policy
	runtime     Runtime
	logger      *slog.Logger
	provisioner *provisioner
	supervisor  *supervisor
	teardown    releaser
}

// NewEngine creates an engine. The policy must come from ResolvePolicy or
// DefaultPolicy.
func NewEngine(policy Policy, rt Runtime, opts Options) (*Engine, error) {
	if rt == nil {
		return nil, fmt.Errorf("sandbox runtime cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sandbox"))

	return &Engine{
		policy:      policy,
		runtime:     rt,
		logger:      logger,
		provisioner: &provisioner{runtime: rt, policy: policy, logger: logger},
		supervisor:  &supervisor{runtime: rt, policy: policy, logger: logger},
		teardown:    &teardownManager{runtime: rt, logger: logger, onAnomaly: opts.OnTeardownAnomaly},
	}, nil
}

// Policy returns the policy every execution runs under.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Ping checks that the isolation backend is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.runtime.Ping(ctx)
}

// Execute runs req.Code to exactly one terminal outcome. It never returns
// an error: failures to provision, run or clean up are all expressed in the
// Outcome or in logs. The environment is always released before return,
// including on panic and caller cancellation.
func (e *Engine) Execute(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	env := newEnvironment(e.policy)
	logger := e.logger.With(slog.String("env", env.ID))
	logger.Debug("execution accepted", slog.Int("code_bytes", len(req.Code)))

	var teardownStart time.Time
	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out = Outcome{Kind: KindFailed, Reason: FailInternal, Partial: true}
			env.setState(StateFailed)
		}
		if teardownStart.IsZero() {
			teardownStart = time.Now()
		}
		out.Elapsed = teardownStart.Sub(start)
		e.teardown.Release(env)
		logger.Info("execution finished",
			slog.String("kind", string(out.Kind)),
			slog.Duration("elapsed", out.Elapsed),
			slog.Bool("truncated", out.Truncated()),
		)
	}()

	if err := e.provisioner.provision(ctx, env, req.Code); err != nil {
		env.setState(StateFailed)
		teardownStart = time.Now()
		if ctx.Err() != nil {
			// The backend did not fail; the caller went away.
			logger.Info("caller abandoned execution during provisioning", slog.String("error", ctx.Err().Error()))
			return collect(rawResult{state: StateFailed, failReason: FailCancelled, err: ctx.Err()})
		}
		logger.Warn("provisioning failed", slog.String("error", err.Error()))
		return collect(rawResult{state: StateFailed, provisionErr: asProvisioningError(err)})
	}

	raw := e.supervisor.run(ctx, env, req.Input)
	teardownStart = time.Now()
	if raw.provisionErr != nil {
		logger.Warn("environment failed to start", slog.String("error", raw.provisionErr.Error()))
	}
	return collect(raw)
}

func asProvisioningError(err error) *ProvisioningError {
	if pe, ok := err.(*ProvisioningError); ok {
		return pe
	}
	return &ProvisioningError{Reason: ReasonCreateFailed, Err: err}
}

var _ Executor = (*Engine)(nil)
