package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
)

func testSpec() ContainerSpec {
	return ContainerSpec{
		Name:         "pybox-test",
		Image:        DefaultImage,
		Cmd:          []string{"python3", "-u", "/sandbox/main.py"},
		Env:          []string{"HOME=/workspace"},
		User:         DefaultUser,
		WorkDir:      ScratchDir,
		PayloadDir:   "/tmp/pybox-test-123",
		MemoryBytes:  DefaultMemoryBytes,
		CPUQuota:     0.5,
		PidsLimit:    64,
		ScratchBytes: 1024,
	}
}

func TestBuildContainerConfigHardening(t *testing.T) {
	cfg, host, _ := buildContainerConfig(testSpec())

	if cfg.User != DefaultUser {
		t.Errorf("User = %q, want %q", cfg.User, DefaultUser)
	}
	if !cfg.NetworkDisabled {
		t.Error("NetworkDisabled should be true")
	}
	if !cfg.OpenStdin || !cfg.StdinOnce || cfg.Tty {
		t.Error("stdin must be open once and tty off")
	}
	if !host.ReadonlyRootfs {
		t.Error("ReadonlyRootfs should be true")
	}
	if host.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", host.NetworkMode)
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v, want [ALL]", host.CapDrop)
	}
	if len(host.SecurityOpt) == 0 || !strings.HasPrefix(host.SecurityOpt[0], "no-new-privileges") {
		t.Errorf("SecurityOpt = %v", host.SecurityOpt)
	}
	if host.AutoRemove {
		t.Error("AutoRemove must be off so exit state can be inspected")
	}
	if host.Init == nil || !*host.Init {
		t.Error("Init should be enabled")
	}
	if host.Resources.Memory != DefaultMemoryBytes || host.Resources.MemorySwap != DefaultMemoryBytes {
		t.Errorf("Memory/MemorySwap = %d/%d", host.Resources.Memory, host.Resources.MemorySwap)
	}
	if host.Resources.CPUQuota != 50000 || host.Resources.CPUPeriod != 100000 {
		t.Errorf("CPUQuota/CPUPeriod = %d/%d", host.Resources.CPUQuota, host.Resources.CPUPeriod)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != 64 {
		t.Error("PidsLimit should be 64")
	}
	if opts := host.Tmpfs[ScratchDir]; !strings.Contains(opts, "noexec") || !strings.Contains(opts, "size=1024") {
		t.Errorf("scratch tmpfs options = %q", opts)
	}
	if _, ok := host.Tmpfs["/tmp"]; !ok {
		t.Error("/tmp tmpfs missing")
	}
	if len(host.Mounts) != 1 {
		t.Fatalf("Mounts = %d, want 1", len(host.Mounts))
	}
	m := host.Mounts[0]
	if m.Type != mount.TypeBind || m.Target != PayloadMount || !m.ReadOnly || m.Source != "/tmp/pybox-test-123" {
		t.Errorf("payload mount = %+v", m)
	}
	if host.Runtime != "" {
		t.Errorf("Runtime = %q, want default", host.Runtime)
	}
}

func TestBuildContainerConfigNetworkAndRuntime(t *testing.T) {
	spec := testSpec()
	spec.NetworkEnabled = true
	spec.Runtime = "runsc"

	cfg, host, _ := buildContainerConfig(spec)

	if cfg.NetworkDisabled {
		t.Error("NetworkDisabled should be false")
	}
	if host.NetworkMode != "bridge" {
		t.Errorf("NetworkMode = %q, want bridge", host.NetworkMode)
	}
	if host.Runtime != "runsc" {
		t.Errorf("Runtime = %q, want runsc", host.Runtime)
	}
}

func TestStateFromInspect(t *testing.T) {
	if got := stateFromInspect(types.ContainerJSON{}); got != (ContainerState{}) {
		t.Errorf("empty inspect = %+v", got)
	}

	info := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{OOMKilled: true, ExitCode: 137},
		},
	}
	got := stateFromInspect(info)
	if !got.OOMKilled || got.ExitCode != 137 || got.Running {
		t.Errorf("stateFromInspect = %+v", got)
	}
}

func TestNewDockerRuntimeWithClientNil(t *testing.T) {
	if _, err := NewDockerRuntimeWithClient(nil, nil); err == nil {
		t.Error("expected error for nil client")
	}
}

// TestDockerIntegration runs real payloads. It needs a reachable Docker
// daemon and PYBOX_DOCKER_TESTS=1.
func TestDockerIntegration(t *testing.T) {
	if os.Getenv("PYBOX_DOCKER_TESTS") != "1" {
		t.Skip("set PYBOX_DOCKER_TESTS=1 to run against a Docker daemon")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := NewDockerRuntime(logger)
	if err != nil {
		t.Fatalf("NewDockerRuntime failed: %v", err)
	}
	defer rt.Close()

	p := DefaultPolicy()
	p.Timeout = 5 * time.Second
	p.GracePeriod = time.Second
	p.TempDir = t.TempDir()
	engine, err := NewEngine(p, rt, Options{Logger: logger})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		out := engine.Execute(ctx, Request{Code: "print(1+1)"})
		if out.Kind != KindSuccess || out.Stdout != "2\n" {
			t.Errorf("got %q %q (%s)", out.Kind, out.Stdout, out.Stderr)
		}
	})

	t.Run("exception", func(t *testing.T) {
		out := engine.Execute(ctx, Request{Code: "raise ValueError('boom')"})
		if out.Kind != KindNonZeroExit || !strings.Contains(out.Stderr, "ValueError") {
			t.Errorf("got %q %q", out.Kind, out.Stderr)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		out := engine.Execute(ctx, Request{Code: "while True: pass"})
		if out.Kind != KindTimeout {
			t.Errorf("Kind = %q, want timeout", out.Kind)
		}
		if took := time.Since(start); took > p.Timeout+3*p.GracePeriod+10*time.Second {
			t.Errorf("timeout took %v", took)
		}
	})

	t.Run("network blocked", func(t *testing.T) {
		code := "import socket\ns = socket.socket()\ns.settimeout(2)\ns.connect(('1.1.1.1', 53))"
		out := engine.Execute(ctx, Request{Code: code})
		if out.Kind != KindNonZeroExit {
			t.Errorf("Kind = %q, want non_zero_exit", out.Kind)
		}
		// NetworkMode none leaves only loopback, so the connect fails fast.
		if !strings.Contains(out.Stderr, "OSError") && !strings.Contains(out.Stderr, "unreachable") {
			t.Errorf("stderr = %q, want a connection failure", out.Stderr)
		}
	})

	t.Run("memory ceiling", func(t *testing.T) {
		code := "chunks = []\nwhile True:\n    chunks.append(bytearray(32 * 1024 * 1024))"
		out := engine.Execute(ctx, Request{Code: code})
		if out.Kind != KindResourceKilled {
			t.Errorf("Kind = %q, want %q (%s)", out.Kind, KindResourceKilled, out.Stderr)
		}
		if out.ExitCode != nil {
			t.Errorf("ExitCode = %d, want none", *out.ExitCode)
		}
	})

	t.Run("output truncated", func(t *testing.T) {
		code := fmt.Sprintf("print('x' * %d)", 3*p.MaxOutputBytes)
		out := engine.Execute(ctx, Request{Code: code})
		if out.Kind != KindSuccess {
			t.Errorf("Kind = %q, want success (%s)", out.Kind, out.Stderr)
		}
		if !out.StdoutTruncated {
			t.Error("StdoutTruncated = false, want true")
		}
		if len(out.Stdout) != p.MaxOutputBytes {
			t.Errorf("len(Stdout) = %d, want %d", len(out.Stdout), p.MaxOutputBytes)
		}
	})

	t.Run("read-only root", func(t *testing.T) {
		out := engine.Execute(ctx, Request{Code: "open('/etc/pwned', 'w')"})
		if out.Kind != KindNonZeroExit {
			t.Errorf("Kind = %q, want non_zero_exit", out.Kind)
		}
	})

	t.Run("scratch writable", func(t *testing.T) {
		out := engine.Execute(ctx, Request{Code: "open('/workspace/x', 'w').write('ok'); print(open('/workspace/x').read())"})
		if out.Kind != KindSuccess || out.Stdout != "ok\n" {
			t.Errorf("got %q %q (%s)", out.Kind, out.Stdout, out.Stderr)
		}
	})
}
