package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/config"
)

// Persistent flags.
var (
	configPath string
	logLevel   string
	logFormat  string

	flagTimeout string
	flagMemory  string
	flagCPUs    float64
	flagNetwork bool
)

var rootCmd = &cobra.Command{
	Use:   "pybox",
	Short: "pybox - sandboxed Python execution for LLM agents",
	Long: `pybox runs untrusted, model-written Python in throwaway Docker containers
with no network, a memory ceiling, a CPU quota and a hard wall-clock deadline.
Every environment is destroyed before a result is returned.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code out of a command without printing
// anything further.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.pybox/config.json)")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flagTimeout, "timeout", "", "wall-clock limit per execution, e.g. 10s")
	pf.StringVar(&flagMemory, "memory", "", "memory ceiling, e.g. 256m")
	pf.Float64Var(&flagCPUs, "cpus", 0, "CPU quota as a fraction of one core")
	pf.BoolVar(&flagNetwork, "network", false, "allow outbound network access")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads file, .env and environment settings, then applies any
// policy flags given on the command line. Flags win over everything else.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Sandbox.Timeout = flagTimeout
	}
	if flags.Changed("memory") {
		cfg.Sandbox.Memory = flagMemory
	}
	if flags.Changed("cpus") {
		cpus := flagCPUs
		cfg.Sandbox.CPUs = &cpus
	}
	if flags.Changed("network") {
		cfg.Sandbox.NetworkEnabled = config.Flag(fmt.Sprintf("%t", flagNetwork))
	}
	return cfg, nil
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", logFormat)
}
