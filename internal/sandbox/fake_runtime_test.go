package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fakeRuntime is an in-memory Runtime with per-stage fault injection.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr   error
	imageErr  error
	createErr error
	attachErr error
	startErr  error
	waitErr   error
	removeErr error

	blockImage bool // EnsureImage waits for ctx

	stdout     string
	stderr     string
	exitCode   int64
	hang       bool   // never exits on its own
	hangMarker string // only payloads containing it hang
	ignoreTerm bool // survives SIGTERM
	oom        bool
	echoStdin  bool // copies stdin to stdout
	panicStart bool

	managed []ManagedContainer
	listErr error

	specs      []ContainerSpec
	removed    []string
	signals    []string
	containers map[string]*fakeContainer
}

type fakeContainer struct {
	code  string // staged payload
	exit  chan ExitStatus
	done  chan struct{}
	once  sync.Once
	stdin *fakeStdin
}

func (c *fakeContainer) finish(code int64) {
	c.once.Do(func() {
		c.exit <- ExitStatus{Code: code}
		close(c.done)
	})
}

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeStdin) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStdin) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) container(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error {
	if f.blockImage {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.imageErr
}

func (f *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "id-" + spec.Name
	code, _ := os.ReadFile(filepath.Join(spec.PayloadDir, PayloadFile))
	f.containers[id] = &fakeContainer{
		code:  string(code),
		exit:  make(chan ExitStatus, 2),
		done:  make(chan struct{}),
		stdin: &fakeStdin{closed: make(chan struct{})},
	}
	return id, nil
}

func (f *fakeRuntime) Attach(ctx context.Context, id string) (Attachment, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return &fakeAttachment{rt: f, c: f.container(id)}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) <-chan ExitStatus {
	return f.container(id).exit
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	if f.panicStart {
		panic("backend exploded")
	}
	if f.startErr != nil {
		return f.startErr
	}
	c := f.container(id)
	go func() {
		if f.echoStdin {
			<-c.stdin.closed
		}
		switch {
		case f.waitErr != nil:
			c.exit <- ExitStatus{Err: f.waitErr}
		case f.hang, f.hangMarker != "" && strings.Contains(c.code, f.hangMarker):
		default:
			c.finish(f.exitCode)
		}
	}()
	return nil
}

func (f *fakeRuntime) Signal(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	f.signals = append(f.signals, signal)
	f.mu.Unlock()

	c := f.container(id)
	switch signal {
	case "SIGTERM":
		if !f.ignoreTerm {
			c.finish(143)
		}
	case "SIGKILL":
		c.finish(137)
	}
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	return ContainerState{OOMKilled: f.oom, ExitCode: int(f.exitCode)}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ManagedContainer(nil), f.managed...), f.listErr
}

func (f *fakeRuntime) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeRuntime) signalsSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signals...)
}

func (f *fakeRuntime) specsSnapshot() []ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContainerSpec(nil), f.specs...)
}

func (f *fakeRuntime) lastSpec() ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		return ContainerSpec{}
	}
	return f.specs[len(f.specs)-1]
}

type fakeAttachment struct {
	rt *fakeRuntime
	c  *fakeContainer
}

func (a *fakeAttachment) Stdin() io.WriteCloser { return a.c.stdin }

func (a *fakeAttachment) Drain(stdout, stderr io.Writer) error {
	if a.rt.echoStdin {
		<-a.c.stdin.closed
		_, _ = io.WriteString(stdout, a.c.stdin.String())
	}
	_, _ = io.WriteString(stdout, a.rt.stdout)
	_, _ = io.WriteString(stderr, a.rt.stderr)
	<-a.c.done
	return nil
}

func (a *fakeAttachment) Close() error { return nil }

// countingReleaser records how often an environment is released.
type countingReleaser struct {
	inner releaser
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingReleaser) Release(env *Environment) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[env.ID]++
	c.mu.Unlock()
	c.inner.Release(env)
}

func (c *countingReleaser) total() (envs, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.calls {
		envs++
		calls += n
	}
	return envs, calls
}
