package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hkuds/pybox/internal/config"
	"github.com/hkuds/pybox/internal/sandbox"
)

func intPtr(n int) *int { return &n }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  sandbox.Outcome
		want int
	}{
		{"success", sandbox.Outcome{Kind: sandbox.KindSuccess, ExitCode: intPtr(0)}, 0},
		{"exit 3", sandbox.Outcome{Kind: sandbox.KindNonZeroExit, ExitCode: intPtr(3)}, 3},
		{"exit out of range", sandbox.Outcome{Kind: sandbox.KindNonZeroExit, ExitCode: intPtr(300)}, 1},
		{"timeout", sandbox.Outcome{Kind: sandbox.KindTimeout}, 124},
		{"oom", sandbox.Outcome{Kind: sandbox.KindResourceKilled}, 137},
		{"provisioning", sandbox.Outcome{Kind: sandbox.KindProvisioningFailed}, 125},
		{"failed", sandbox.Outcome{Kind: sandbox.KindFailed}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.out); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReadCode(t *testing.T) {
	defer func() { runCode = "" }()

	file := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(file, []byte("print('file')"), 0o644); err != nil {
		t.Fatal(err)
	}

	runCode = ""
	if got, err := readCode(strings.NewReader("print('stdin')"), []string{"-"}); err != nil || got != "print('stdin')" {
		t.Errorf("stdin: got %q, %v", got, err)
	}
	if got, err := readCode(nil, []string{file}); err != nil || got != "print('file')" {
		t.Errorf("file: got %q, %v", got, err)
	}
	if _, err := readCode(nil, nil); err == nil {
		t.Error("no code should be an error")
	}
	if _, err := readCode(nil, []string{filepath.Join(t.TempDir(), "missing.py")}); err == nil {
		t.Error("missing file should be an error")
	}

	runCode = "print('flag')"
	if got, err := readCode(nil, nil); err != nil || got != "print('flag')" {
		t.Errorf("flag: got %q, %v", got, err)
	}
	if _, err := readCode(nil, []string{file}); err == nil {
		t.Error("--code with a file should be an error")
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "absent.json")
	defer func() {
		configPath, flagTimeout, flagMemory, flagCPUs, flagNetwork = "", "", "", 0, false
		for _, name := range []string{"timeout", "memory", "cpus", "network"} {
			rootCmd.PersistentFlags().Lookup(name).Changed = false
		}
	}()

	if err := rootCmd.ParseFlags([]string{"--timeout", "5s", "--memory", "128m", "--cpus", "0.25", "--network"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Sandbox.Timeout != "5s" || cfg.Sandbox.Memory != "128m" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.CPUs == nil || *cfg.Sandbox.CPUs != 0.25 {
		t.Errorf("CPUs = %v, want 0.25", cfg.Sandbox.CPUs)
	}
	if cfg.Sandbox.NetworkEnabled != config.Flag("true") {
		t.Errorf("NetworkEnabled = %q, want true", cfg.Sandbox.NetworkEnabled)
	}

	p, err := sandbox.ResolvePolicy(cfg.Sandbox)
	if err != nil {
		t.Fatalf("ResolvePolicy() error = %v", err)
	}
	if p.Timeout.String() != "5s" || !p.NetworkEnabled {
		t.Errorf("policy = %+v", p)
	}
}

func TestNewLogger(t *testing.T) {
	defer func() { logLevel, logFormat = "info", "text" }()

	for _, tt := range []struct {
		level, format string
		wantErr       bool
	}{
		{"debug", "json", false},
		{"warn", "text", false},
		{"loud", "text", true},
		{"info", "xml", true},
	} {
		logLevel, logFormat = tt.level, tt.format
		_, err := newLogger()
		if (err != nil) != tt.wantErr {
			t.Errorf("newLogger(%s, %s) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "pybox "+Version) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "pybox.yaml")
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"init", "--config", path})
	defer func() {
		rootCmd.SetArgs(nil)
		configPath = ""
	}()

	if err := Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Addr != config.DefaultConfig().Server.Addr {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}

	buf.Reset()
	if err := Execute(); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !strings.Contains(buf.String(), "already exists") {
		t.Errorf("output = %q, want already exists", buf.String())
	}
}
