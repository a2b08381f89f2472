package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// managedLabel marks every container this package creates.
const managedLabel = "io.pybox.managed"

// cpuPeriod is the CFS period used with CPUQuota (100000 = 100% of one CPU).
const cpuPeriod = 100000

// DockerRuntime is the Docker Engine implementation of Runtime.
type DockerRuntime struct {
	client *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects to the daemon described by the DOCKER_* environment.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewDockerRuntimeWithClient(cli, logger)
}

// NewDockerRuntimeWithClient wraps an existing Docker client.
func NewDockerRuntimeWithClient(cli *client.Client, logger *slog.Logger) (*DockerRuntime, error) {
	if cli == nil {
		return nil, fmt.Errorf("Docker client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{client: cli, logger: logger}, nil
}

// Ping checks if the Docker daemon is accessible.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// EnsureImage pulls the image if it doesn't exist locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	r.logger.Info("pulling sandbox image", slog.String("image", ref))
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageMissing, ref, err)
	}
	defer reader.Close()

	// Consume the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageMissing, ref, err)
	}
	return nil
}

// Create creates, but does not start, a hardened container.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg, hostCfg, networkCfg := buildContainerConfig(spec)

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsInvalidParameter(err) {
			return "", fmt.Errorf("%w: %v", ErrLimitsRejected, err)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("docker create warning", slog.String("container", spec.Name), slog.String("warning", w))
	}
	return resp.ID, nil
}

// buildContainerConfig creates the container, host, and network configurations.
func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	containerCfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      spec.WorkDir,
		User:            spec.User,
		Tty:             false,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: !spec.NetworkEnabled,
		Labels: map[string]string{
			managedLabel: "true",
		},
	}

	pids := spec.PidsLimit
	useInit := true
	scratch := "rw,noexec,nosuid,nodev,mode=1777,size=" + strconv.FormatInt(spec.ScratchBytes, 10)

	hostCfg := &container.HostConfig{
		// Read-only root filesystem; only the tmpfs mounts below are writable.
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		// docker-init as PID 1 so SIGTERM reaches the interpreter.
		Init: &useInit,
		// The exit state (OOMKilled) must survive until it is inspected.
		AutoRemove: false,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
			// Memory + swap equal to memory disables swap.
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   int64(spec.CPUQuota * cpuPeriod),
			CPUPeriod:  cpuPeriod,
			PidsLimit:  &pids,
		},
		Tmpfs: map[string]string{
			"/tmp":     scratch,
			ScratchDir: scratch,
		},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.PayloadDir,
			Target:   PayloadMount,
			ReadOnly: true,
		}},
	}

	if spec.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
	} else {
		hostCfg.NetworkMode = "none"
	}

	if spec.Runtime != "" {
		hostCfg.Runtime = spec.Runtime
	}

	return containerCfg, hostCfg, &network.NetworkingConfig{}
}

// Attach connects to the container's stdio. It must happen before Start so
// no output is lost.
func (r *DockerRuntime) Attach(ctx context.Context, id string) (Attachment, error) {
	resp, err := r.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}
	return &dockerAttachment{resp: resp}, nil
}

// Wait subscribes to the next exit of the container.
func (r *DockerRuntime) Wait(ctx context.Context, id string) <-chan ExitStatus {
	out := make(chan ExitStatus, 1)
	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case st := <-statusCh:
			es := ExitStatus{Code: st.StatusCode}
			if st.Error != nil && st.Error.Message != "" {
				es.Err = errors.New(st.Error.Message)
			}
			out <- es
		case err := <-errCh:
			out <- ExitStatus{Err: err}
		}
	}()
	return out
}

// Start starts a created container.
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Signal sends a signal such as "SIGTERM" or "SIGKILL" to the container.
func (r *DockerRuntime) Signal(ctx context.Context, id, signal string) error {
	err := r.client.ContainerKill(ctx, id, signal)
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		// Already gone or no longer running.
		return nil
	}
	return err
}

// Inspect reports the container's final state.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	return stateFromInspect(info), nil
}

func stateFromInspect(info types.ContainerJSON) ContainerState {
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}
	}
	return ContainerState{
		Running:   info.State.Running,
		OOMKilled: info.State.OOMKilled,
		ExitCode:  info.State.ExitCode,
	}
}

// Remove force-removes the container together with its anonymous volumes.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// ListManaged returns every container carrying the pybox label, running or not.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, err
	}

	out := make([]ManagedContainer, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ManagedContainer{
			ID:      c.ID,
			Name:    name,
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Docker client: %w", err)
	}
	return nil
}

// dockerAttachment adapts a hijacked attach connection.
type dockerAttachment struct {
	resp types.HijackedResponse
}

func (a *dockerAttachment) Stdin() io.WriteCloser {
	return hijackedStdin{resp: a.resp}
}

// Drain demultiplexes the docker stream; Tty is off so frames carry a header.
func (a *dockerAttachment) Drain(stdout, stderr io.Writer) error {
	_, err := stdcopy.StdCopy(stdout, stderr, a.resp.Reader)
	return err
}

func (a *dockerAttachment) Close() error {
	a.resp.Close()
	return nil
}

type hijackedStdin struct {
	resp types.HijackedResponse
}

func (w hijackedStdin) Write(p []byte) (int, error) {
	return w.resp.Conn.Write(p)
}

// Close half-closes the connection so the payload sees EOF.
func (w hijackedStdin) Close() error {
	return w.resp.CloseWrite()
}

var _ Runtime = (*DockerRuntime)(nil)
