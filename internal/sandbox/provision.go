package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// provisionTimeout bounds daemon round-trips and image pulls during provisioning.
const provisionTimeout = 2 * time.Minute

// State is a step of the per-request lifecycle.
type State int

// Lifecycle states. Completing, TimedOut, ResourceKilled and Failed are
// terminal and always move to TornDown.
const (
	StateProvisioning State = iota
	StateRunning
	StateCompleting
	StateTimedOut
	StateResourceKilled
	StateFailed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateCompleting:
		return "completing"
	case StateTimedOut:
		return "timed_out"
	case StateResourceKilled:
		return "resource_killed"
	case StateFailed:
		return "failed"
	case StateTornDown:
		return "torn_down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Environment is the handle to one provisioned sandbox. It belongs to a
// single request and is never reused.
type Environment struct {
	// ID is also the container name, so cleanup can find the container even
	// when a create call failed after the daemon accepted it.
	ID string

	// User is the execution identity inside the environment.
	User string

	// NetworkEnabled records the network scope.
	NetworkEnabled bool

	mu          sync.Mutex
	containerID string
	created     bool   // a create call was issued for ID
	payloadDir  string // host staging dir, empty once removed
	once        sync.Once
	state       State
}

func newEnvironment(p Policy) *Environment {
	return &Environment{
		ID:             envPrefix + uuid.NewString(),
		User:           p.User,
		NetworkEnabled: p.NetworkEnabled,
		state:          StateProvisioning,
	}
}

// ref is the identifier used for backend calls: the id once known, else the name.
func (e *Environment) ref() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.containerID != "" {
		return e.containerID
	}
	return e.ID
}

// State returns the current lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Environment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// provisioner builds one environment per request.
type provisioner struct {
	runtime Runtime
	policy  Policy
	logger  *slog.Logger
}

// provision prepares env to run code. On error every resource it created has
// already been rolled back, and the error is a *ProvisioningError.
func (p *provisioner) provision(ctx context.Context, env *Environment, code string) error {
	pctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	if err := p.runtime.Ping(pctx); err != nil {
		return &ProvisioningError{Reason: ReasonBackendUnavailable, Err: err}
	}

	if err := p.runtime.EnsureImage(pctx, p.policy.Image); err != nil {
		reason := ReasonBackendUnavailable
		if errors.Is(err, ErrImageMissing) {
			reason = ReasonImageMissing
		}
		return &ProvisioningError{Reason: reason, Err: err}
	}

	dir, err := p.stagePayload(env.ID, code)
	if err != nil {
		return &ProvisioningError{Reason: ReasonScratchFailed, Err: err}
	}
	env.mu.Lock()
	env.payloadDir = dir
	env.created = true
	env.mu.Unlock()

	// The create must finish even if the caller gives up, otherwise the
	// daemon may hold a container nobody knows about.
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
	defer ccancel()

	id, err := p.runtime.Create(cctx, p.containerSpec(env, dir))
	if err != nil {
		p.rollback(env)
		reason := ReasonCreateFailed
		if errors.Is(err, ErrLimitsRejected) {
			reason = ReasonLimitsRejected
		}
		return &ProvisioningError{Reason: reason, Err: err}
	}

	env.mu.Lock()
	env.containerID = id
	env.mu.Unlock()
	return nil
}

// stagePayload writes the code into a fresh host directory readable by the
// unprivileged execution identity.
func (p *provisioner) stagePayload(name, code string) (string, error) {
	dir, err := os.MkdirTemp(p.policy.TempDir, name+"-")
	if err != nil {
		return "", fmt.Errorf("creating payload dir: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("chmod payload dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PayloadFile), []byte(code), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("writing payload: %w", err)
	}
	return dir, nil
}

func (p *provisioner) containerSpec(env *Environment, payloadDir string) ContainerSpec {
	return ContainerSpec{
		Name:  env.ID,
		Image: p.policy.Image,
		Cmd:   []string{"python3", "-u", PayloadMount + "/" + PayloadFile},
		// No host environment crosses the boundary.
		Env: []string{
			"HOME=" + ScratchDir,
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
			"PYTHONUNBUFFERED=1",
			"MPLBACKEND=Agg",
		},
		User:           p.policy.User,
		WorkDir:        ScratchDir,
		PayloadDir:     payloadDir,
		MemoryBytes:    p.policy.MemoryBytes,
		CPUQuota:       p.policy.CPUQuota,
		PidsLimit:      p.policy.PidsLimit,
		ScratchBytes:   p.policy.ScratchBytes,
		NetworkEnabled: p.policy.NetworkEnabled,
		Runtime:        p.policy.Runtime,
	}
}

// rollback undoes a partial provision. Whatever it removes is cleared from
// the handle so the later teardown does not repeat it.
func (p *provisioner) rollback(env *Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	env.mu.Lock()
	ref := env.ID
	if env.containerID != "" {
		ref = env.containerID
	}
	created := env.created
	dir := env.payloadDir
	env.mu.Unlock()

	if created {
		if err := p.runtime.Remove(ctx, ref); err != nil {
			p.logger.Warn("rollback: remove container failed",
				slog.String("env", env.ID),
				slog.String("error", err.Error()),
			)
			// Leave the flag set; teardown retries.
		} else {
			env.mu.Lock()
			env.created = false
			env.containerID = ""
			env.mu.Unlock()
		}
	}

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("rollback: remove payload dir failed",
				slog.String("env", env.ID),
				slog.String("error", err.Error()),
			)
		} else {
			env.mu.Lock()
			env.payloadDir = ""
			env.mu.Unlock()
		}
	}
}
