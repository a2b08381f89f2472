package sandbox

import (
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/hkuds/pybox/internal/config"
)

// Default policy values.
const (
	DefaultImage          = "python:3.12-slim"
	DefaultMemoryBytes    = 256 * units.MiB
	DefaultCPUQuota       = 0.5
	DefaultTimeout        = 30 * time.Second
	DefaultGracePeriod    = 2 * time.Second
	DefaultMaxOutputBytes = 10000
	DefaultPidsLimit      = 64
	DefaultUser           = "65534:65534"
	DefaultScratchBytes   = 64 * units.MiB
)

// Policy is the resolved, immutable resource policy for executions. It is
// built once at startup and passed by value, so concurrent executions never
// observe a change mid-flight.
type Policy struct {
	// Image is the container image.
	Image string

	// MemoryBytes is the hard memory ceiling. Swap is disabled.
	MemoryBytes int64

	// CPUQuota is the CPU limit as a fraction of one core.
	CPUQuota float64

	// Timeout is the wall-clock deadline for the payload.
	Timeout time.Duration

	// GracePeriod is the wait between terminate and kill, and the bound on
	// each post-decision wait.
	GracePeriod time.Duration

	// NetworkEnabled attaches the environment to a bridge network when true.
	NetworkEnabled bool

	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int

	// PidsLimit caps the number of processes.
	PidsLimit int64

	// User is the non-root uid[:gid] the payload runs as.
	User string

	// Runtime is an optional OCI runtime name ("runsc" for gVisor).
	Runtime string

	// ScratchBytes sizes the writable tmpfs scratch area.
	ScratchBytes int64

	// TempDir is the host directory payload files are staged in.
	// Empty means os.TempDir().
	TempDir string
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Image:          DefaultImage,
		MemoryBytes:    DefaultMemoryBytes,
		CPUQuota:       DefaultCPUQuota,
		Timeout:        DefaultTimeout,
		GracePeriod:    DefaultGracePeriod,
		NetworkEnabled: false,
		MaxOutputBytes: DefaultMaxOutputBytes,
		PidsLimit:      DefaultPidsLimit,
		User:           DefaultUser,
		ScratchBytes:   DefaultScratchBytes,
	}
}

// ResolvePolicy turns raw configuration into a Policy. Absent values take the
// defaults; present values must be positive and parseable or a *ConfigError is
// returned. It has no side effects.
func ResolvePolicy(cfg config.SandboxConfig) (Policy, error) {
	p := DefaultPolicy()

	if cfg.Image != "" {
		p.Image = cfg.Image
	}

	if cfg.Memory != "" {
		n, err := parseSize("memory", cfg.Memory)
		if err != nil {
			return Policy{}, err
		}
		p.MemoryBytes = n
	}

	if cfg.CPUs != nil {
		if *cfg.CPUs <= 0 {
			return Policy{}, &ConfigError{Field: "cpus", Value: strconv.FormatFloat(*cfg.CPUs, 'f', -1, 64), Reason: "must be positive"}
		}
		p.CPUQuota = *cfg.CPUs
	}

	if cfg.Timeout != "" {
		d, err := parseDuration("timeout", cfg.Timeout)
		if err != nil {
			return Policy{}, err
		}
		p.Timeout = d
	}

	if cfg.GracePeriod != "" {
		d, err := parseDuration("gracePeriod", cfg.GracePeriod)
		if err != nil {
			return Policy{}, err
		}
		p.GracePeriod = d
	}

	if cfg.NetworkEnabled != "" {
		b, err := cfg.NetworkEnabled.Bool()
		if err != nil {
			return Policy{}, &ConfigError{Field: "networkEnabled", Value: string(cfg.NetworkEnabled), Reason: "not a boolean"}
		}
		p.NetworkEnabled = b
	}

	if cfg.MaxOutputBytes != nil {
		if *cfg.MaxOutputBytes <= 0 {
			return Policy{}, &ConfigError{Field: "maxOutputBytes", Value: strconv.Itoa(*cfg.MaxOutputBytes), Reason: "must be positive"}
		}
		p.MaxOutputBytes = *cfg.MaxOutputBytes
	}

	if cfg.PidsLimit != nil {
		if *cfg.PidsLimit <= 0 {
			return Policy{}, &ConfigError{Field: "pidsLimit", Value: strconv.FormatInt(*cfg.PidsLimit, 10), Reason: "must be positive"}
		}
		p.PidsLimit = *cfg.PidsLimit
	}

	if cfg.User != "" {
		if isPrivilegedUser(cfg.User) {
			return Policy{}, &ConfigError{Field: "user", Value: cfg.User, Reason: "payloads must not run as root"}
		}
		p.User = cfg.User
	}

	if cfg.ScratchSize != "" {
		n, err := parseSize("scratchSize", cfg.ScratchSize)
		if err != nil {
			return Policy{}, err
		}
		p.ScratchBytes = n
	}

	p.Runtime = cfg.Runtime
	p.TempDir = cfg.TempDir

	return p, nil
}

func parseSize(field, v string) (int64, error) {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, &ConfigError{Field: field, Value: v, Reason: "not a size"}
	}
	if n <= 0 {
		return 0, &ConfigError{Field: field, Value: v, Reason: "must be positive"}
	}
	return n, nil
}

// parseDuration accepts Go durations ("30s", "1m") and bare integer seconds.
func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			return 0, &ConfigError{Field: field, Value: v, Reason: "not a duration"}
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, &ConfigError{Field: field, Value: v, Reason: "must be positive"}
	}
	return d, nil
}

func isPrivilegedUser(user string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(user), ":")
	return name == "root" || name == "0"
}
