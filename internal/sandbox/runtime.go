package sandbox

import (
	"context"
	"io"
)

// Paths inside the environment.
const (
	PayloadMount = "/sandbox"
	PayloadFile  = "main.py"
	ScratchDir   = "/workspace"
)

// ContainerSpec is everything the isolation backend needs to create one
// environment.
type ContainerSpec struct {
	Name           string
	Image          string
	Cmd            []string
	Env            []string
	User           string
	WorkDir        string
	PayloadDir     string // host directory, mounted read-only at PayloadMount
	MemoryBytes    int64
	CPUQuota       float64
	PidsLimit      int64
	ScratchBytes   int64
	NetworkEnabled bool
	Runtime        string
}

// ExitStatus is delivered once when the environment's main process exits.
type ExitStatus struct {
	Code int64
	Err  error
}

// ContainerState is the backend's view of a finished environment.
type ContainerState struct {
	Running   bool
	OOMKilled bool
	ExitCode  int
}

// Attachment is a live connection to an environment's standard streams.
type Attachment interface {
	// Stdin returns the payload's standard input. Closing it delivers EOF.
	Stdin() io.WriteCloser
	// Drain copies output into stdout and stderr until the stream ends.
	Drain(stdout, stderr io.Writer) error
	Close() error
}

// Runtime is the isolation backend. Memory, CPU and PID limits are enforced
// by the backend itself, never by the payload's own runtime.
type Runtime interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Attach(ctx context.Context, id string) (Attachment, error)
	// Wait must be called before Start; the channel yields exactly once.
	Wait(ctx context.Context, id string) <-chan ExitStatus
	Start(ctx context.Context, id string) error
	Signal(ctx context.Context, id, signal string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	// Remove force-removes by id or name. Removing a missing container is not an error.
	Remove(ctx context.Context, id string) error
}
