package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// teardownTimeout bounds each backend call made while releasing an environment.
const teardownTimeout = 10 * time.Second

// releaser destroys an environment. Release must be safe to call more than
// once; only the first call does any work.
type releaser interface {
	Release(env *Environment)
}

// teardownManager removes everything an environment holds: the container
// (and with it the network namespace, process tree and tmpfs scratch) and
// the host payload directory.
type teardownManager struct {
	runtime   Runtime
	logger    *slog.Logger
	onAnomaly func(*TeardownAnomaly)
}

// Release tears env down once. Failures are logged and reported to the
// anomaly hook; they never change the outcome already decided.
func (t *teardownManager) Release(env *Environment) {
	env.once.Do(func() {
		t.release(env)
	})
}

func (t *teardownManager) release(env *Environment) {
	// The caller's context may already be done; teardown must still run.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	env.mu.Lock()
	created := env.created
	ref := env.ID
	if env.containerID != "" {
		ref = env.containerID
	}
	dir := env.payloadDir
	env.mu.Unlock()

	if created {
		if err := t.runtime.Remove(ctx, ref); err != nil {
			t.anomaly(&TeardownAnomaly{EnvironmentID: env.ID, Step: "remove_container", Err: err})
		} else {
			env.mu.Lock()
			env.created = false
			env.mu.Unlock()
		}
	}

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			t.anomaly(&TeardownAnomaly{EnvironmentID: env.ID, Step: "remove_payload", Err: err})
		} else {
			env.mu.Lock()
			env.payloadDir = ""
			env.mu.Unlock()
		}
	}

	env.setState(StateTornDown)
	t.logger.Debug("environment torn down", slog.String("env", env.ID))
}

func (t *teardownManager) anomaly(a *TeardownAnomaly) {
	t.logger.Error("teardown anomaly",
		slog.String("env", a.EnvironmentID),
		slog.String("step", a.Step),
		slog.String("error", fmt.Sprint(a.Err)),
	)
	if t.onAnomaly != nil {
		t.onAnomaly(a)
	}
}
