package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the root configuration structure for pybox.
type Config struct {
	Sandbox SandboxConfig `json:"sandbox" yaml:"sandbox"`
	History HistoryConfig `json:"history" yaml:"history"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Tools   ToolsConfig   `json:"tools" yaml:"tools"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
}

// SandboxConfig holds the raw, unvalidated resource settings for the
// execution sandbox. Values are kept in their textual form so that
// sandbox.ResolvePolicy can reject malformed input with a precise error.
type SandboxConfig struct {
	// Image is the container image the payload runs in.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Memory is the hard memory ceiling in docker size notation ("256m", "1g").
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`

	// CPUs is the CPU quota as a fraction of one core.
	CPUs *float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`

	// Timeout is the wall-clock deadline ("30s", or bare seconds "30").
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// GracePeriod is how long a terminated payload gets before it is killed.
	GracePeriod string `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`

	// NetworkEnabled allows outbound networking when true. Default: disabled.
	NetworkEnabled Flag `json:"networkEnabled,omitempty" yaml:"networkEnabled,omitempty"`

	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes *int `json:"maxOutputBytes,omitempty" yaml:"maxOutputBytes,omitempty"`

	// PidsLimit caps the number of processes inside the environment.
	PidsLimit *int64 `json:"pidsLimit,omitempty" yaml:"pidsLimit,omitempty"`

	// User is the uid[:gid] the payload runs as. Root is rejected.
	User string `json:"user,omitempty" yaml:"user,omitempty"`

	// Runtime selects an OCI runtime, e.g. "runsc" for gVisor.
	Runtime string `json:"runtime,omitempty" yaml:"runtime,omitempty"`

	// ScratchSize is the size of the writable tmpfs scratch area ("64m").
	ScratchSize string `json:"scratchSize,omitempty" yaml:"scratchSize,omitempty"`

	// TempDir is the host directory payload files are staged in.
	TempDir string `json:"tempDir,omitempty" yaml:"tempDir,omitempty"`
}

// HistoryConfig configures the execution history database.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// ToolsConfig holds agent tool configuration.
type ToolsConfig struct {
	// MaxConcurrent bounds how many executions the tool layer admits at once.
	MaxConcurrent int `json:"maxConcurrent" yaml:"maxConcurrent"`
}

// TracingConfig configures OTLP span export. Disabled by default.
type TracingConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Endpoint    string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // host:port of the OTLP/HTTP collector
	Insecure    bool     `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string   `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	SampleRate  *float64 `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"` // unset samples everything
}

// MaintenanceConfig schedules background cleanup while serving. Schedules are
// "@every <duration>" or 5-field cron expressions; "off" disables a job.
type MaintenanceConfig struct {
	// SweepSchedule removes environments orphaned by a crashed process.
	SweepSchedule string `json:"sweepSchedule,omitempty" yaml:"sweepSchedule,omitempty"`

	// PruneSchedule deletes history older than HistoryRetention.
	PruneSchedule string `json:"pruneSchedule,omitempty" yaml:"pruneSchedule,omitempty"`

	// HistoryRetention is a Go duration ("720h"). Empty keeps history forever.
	HistoryRetention string `json:"historyRetention,omitempty" yaml:"historyRetention,omitempty"`
}

// Flag is a boolean setting that keeps its raw text until it is resolved.
// It accepts both JSON booleans and strings.
type Flag string

// UnmarshalJSON accepts true/false as well as quoted strings.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(strconv.FormatBool(b))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a boolean or string: %w", err)
	}
	*f = Flag(s)
	return nil
}

// Bool parses the flag. Besides strconv.ParseBool forms it accepts
// enabled/on/yes and disabled/off/no/none.
func (f Flag) Bool() (bool, error) {
	v := strings.ToLower(strings.TrimSpace(string(f)))
	switch v {
	case "enabled", "on", "yes":
		return true, nil
	case "disabled", "off", "no", "none":
		return false, nil
	}
	return strconv.ParseBool(v)
}

// UnmarshalYAML keeps the scalar text whatever its YAML tag.
func (f *Flag) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("flag must be a scalar, got %v", value.Tag)
	}
	*f = Flag(value.Value)
	return nil
}

// DefaultConfig returns a new Config with sensible default values.
// Sandbox fields are left empty so that the sandbox package applies its own
// documented defaults.
func DefaultConfig() *Config {
	return &Config{
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join("~", DefaultConfigDir, "history.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
		Tools: ToolsConfig{
			MaxConcurrent: 4,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:    "@every 5m",
			PruneSchedule:    "0 3 * * *",
			HistoryRetention: "720h",
		},
	}
}

// HistoryPath returns the expanded history database path.
func (c *Config) HistoryPath() string {
	path := c.History.Path
	if path == "" {
		path = filepath.Join("~", DefaultConfigDir, "history.db")
	}
	if path == ":memory:" {
		return path
	}
	return expandPath(path)
}

// expandPath expands ~ to the user's home directory and returns an absolute path.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		// Handle ~/path and ~path cases
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	return absPath
}
