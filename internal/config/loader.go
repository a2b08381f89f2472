package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the default config directory name.
	DefaultConfigDir = ".pybox"
	// DefaultConfigFile is the default config file name.
	DefaultConfigFile = "config.json"
)

// GetConfigDir returns the default config directory path (~/.pybox).
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultConfigDir)
	}
	return filepath.Join(home, DefaultConfigDir)
}

// GetConfigPath returns the default config file path (~/.pybox/config.json).
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), DefaultConfigFile)
}

// LoadConfig loads configuration from the specified path.
// If path is empty, it uses the default config path (~/.pybox/config.json).
// If the config file doesn't exist, it returns the default configuration.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Start with defaults and unmarshal over them
	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Load reads the config file, the process .env file and environment
// overrides, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified path.
// If path is empty, it uses the default config path (~/.pybox/config.json).
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	path = expandPath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Exists checks if a config file exists at the given path.
// If path is empty, checks the default config path.
func Exists(path string) bool {
	if path == "" {
		path = GetConfigPath()
	}
	path = expandPath(path)
	_, err := os.Stat(path)
	return err == nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto cfg. Every sandbox setting is
// independently overridable. The SANDBOX_* names are accepted for
// compatibility with older deployments; PYBOX_* names win when both are set.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	sb := &cfg.Sandbox
	if v, ok := get("PYBOX_IMAGE"); ok {
		sb.Image = v
	}
	if v, ok := get("PYBOX_MEMORY", "SANDBOX_MEMORY_LIMIT"); ok {
		sb.Memory = v
	}
	if v, ok := get("PYBOX_CPUS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PYBOX_CPUS: %w", err)
		}
		sb.CPUs = &f
	}
	if v, ok := get("PYBOX_TIMEOUT", "SANDBOX_TIMEOUT"); ok {
		sb.Timeout = v
	}
	if v, ok := get("PYBOX_GRACE_PERIOD"); ok {
		sb.GracePeriod = v
	}
	if v, ok := get("PYBOX_NETWORK_ENABLED"); ok {
		sb.NetworkEnabled = Flag(v)
	} else if v, ok := get("SANDBOX_NETWORK_DISABLED"); ok {
		disabled, err := Flag(v).Bool()
		if err != nil {
			return fmt.Errorf("SANDBOX_NETWORK_DISABLED: %w", err)
		}
		sb.NetworkEnabled = Flag(strconv.FormatBool(!disabled))
	}
	if v, ok := get("PYBOX_MAX_OUTPUT", "SANDBOX_MAX_OUTPUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PYBOX_MAX_OUTPUT: %w", err)
		}
		sb.MaxOutputBytes = &n
	}
	if v, ok := get("PYBOX_PIDS_LIMIT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PYBOX_PIDS_LIMIT: %w", err)
		}
		sb.PidsLimit = &n
	}
	if v, ok := get("PYBOX_USER"); ok {
		sb.User = v
	}
	if v, ok := get("PYBOX_RUNTIME"); ok {
		sb.Runtime = v
	}
	if v, ok := get("PYBOX_SCRATCH_SIZE"); ok {
		sb.ScratchSize = v
	}
	if v, ok := get("PYBOX_TEMP_DIR"); ok {
		sb.TempDir = v
	}

	if v, ok := get("PYBOX_HISTORY_PATH"); ok {
		cfg.History.Path = v
	}
	if v, ok := get("PYBOX_HISTORY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PYBOX_HISTORY_ENABLED: %w", err)
		}
		cfg.History.Enabled = b
	}
	if v, ok := get("PYBOX_LISTEN_ADDR"); ok {
		cfg.Server.Addr = v
	}
	if v, ok := get("PYBOX_MAX_CONCURRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PYBOX_MAX_CONCURRENT: %w", err)
		}
		cfg.Tools.MaxConcurrent = n
	}
	if v, ok := get("PYBOX_SWEEP_SCHEDULE"); ok {
		cfg.Maintenance.SweepSchedule = v
	}
	if v, ok := get("PYBOX_HISTORY_RETENTION"); ok {
		cfg.Maintenance.HistoryRetention = v
	}
	if v, ok := get("PYBOX_OTLP_ENDPOINT"); ok {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
