package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/sandbox"
)

func TestRenderStatus(t *testing.T) {
	got := RenderStatus(Status{Policy: sandbox.DefaultPolicy()})

	for _, want := range []string{"reachable", "python:3.12-slim", "256MiB", "30s", "65534:65534", "disabled"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderStatus() missing %q:\n%s", want, got)
		}
	}
}

func TestRenderStatusBackendDown(t *testing.T) {
	p := sandbox.DefaultPolicy()
	p.NetworkEnabled = true
	p.Runtime = "runsc"

	got := RenderStatus(Status{
		Policy:      p,
		BackendErr:  errors.New("daemon down"),
		HistoryPath: "/tmp/h.db",
		ListenAddr:  "127.0.0.1:8088",
	})

	for _, want := range []string{"unreachable", "daemon down", "runsc", "enabled", "/tmp/h.db", "127.0.0.1:8088"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderStatus() missing %q:\n%s", want, got)
		}
	}
}

func TestRenderOutcome(t *testing.T) {
	exit := 2
	tests := []struct {
		name string
		out  sandbox.Outcome
		want []string
	}{
		{"success", sandbox.Outcome{Kind: sandbox.KindSuccess, Stdout: "2\n"}, []string{"success", "stdout", "2\n"}},
		{"exit", sandbox.Outcome{Kind: sandbox.KindNonZeroExit, ExitCode: &exit, Stderr: "boom"}, []string{"exit 2", "stderr", "boom\n"}},
		{"timeout", sandbox.Outcome{Kind: sandbox.KindTimeout, Elapsed: 2100 * time.Millisecond}, []string{"timeout", "2.1s"}},
		{"truncated", sandbox.Outcome{Kind: sandbox.KindSuccess, Stdout: "xxxx", StdoutTruncated: true}, []string{"truncated"}},
		{"provisioning", sandbox.Outcome{Kind: sandbox.KindProvisioningFailed, Reason: "image_missing"}, []string{"image_missing"}},
		{"failed", sandbox.Outcome{Kind: sandbox.KindFailed, Reason: "cancelled"}, []string{"failed: cancelled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderOutcome(tt.out)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("RenderOutcome() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestRenderHistory(t *testing.T) {
	if got := RenderHistory(nil); !strings.Contains(got, "No executions") {
		t.Errorf("RenderHistory(nil) = %q", got)
	}

	got := RenderHistory([]history.Record{{
		ID:        "0123456789abcdef",
		Code:      "import os\nprint(os.getcwd())",
		Kind:      sandbox.KindSuccess,
		CreatedAt: time.Now(),
	}})
	if !strings.Contains(got, "01234567") || strings.Contains(got, "89abcdef") {
		t.Errorf("RenderHistory() should show a short id: %q", got)
	}
	if !strings.Contains(got, "import os") || strings.Contains(got, "getcwd") {
		t.Errorf("RenderHistory() should show only the first code line: %q", got)
	}
}

func TestShorten(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer line", 8, "a lon..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := shorten(tt.in, tt.max); got != tt.want {
			t.Errorf("shorten(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
