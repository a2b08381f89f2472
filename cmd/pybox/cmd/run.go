package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hkuds/pybox/internal/sandbox"
	"github.com/hkuds/pybox/internal/tui"
)

var (
	runCode    string
	runInput   string
	runSession string
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [file | -]",
	Short: "Run Python code once in a fresh sandbox",
	Long: `Run Python code in a fresh sandbox and print its output.

The code comes from --code, from a file argument, or from standard input
when the argument is "-". The command exits with the payload's exit code,
or 124 on timeout, 137 when killed for memory and 125 when the sandbox
could not be provisioned.`,
	Example: `  pybox run -c 'print(1+1)'
  pybox run script.py --input "$(cat data.csv)"
  echo 'import sys; print(sys.version)' | pybox run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "code to run")
	runCmd.Flags().StringVar(&runInput, "input", "", "text fed to the program's standard input")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id recorded in history")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the outcome as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := readCode(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the execution; the sandbox is still torn down.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.python.Run(ctx, sandbox.Request{Code: code, Input: runInput}, runSession)
	if err != nil {
		return err
	}

	if runJSON {
		if err := writeJSON(cmd, run); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderOutcome(run.Outcome))
	}

	if status := exitCode(run.Outcome); status != 0 {
		return &ExitError{Code: status}
	}
	return nil
}

func readCode(stdin io.Reader, args []string) (string, error) {
	switch {
	case runCode != "" && len(args) > 0:
		return "", errors.New("use either --code or a file argument, not both")
	case runCode != "":
		return runCode, nil
	case len(args) == 0:
		return "", errors.New("no code given: pass --code, a file, or - for stdin")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}

// exitCode maps an outcome to a shell exit status, following the
// conventions of timeout(1) and docker run.
func exitCode(out sandbox.Outcome) int {
	switch out.Kind {
	case sandbox.KindSuccess:
		return 0
	case sandbox.KindNonZeroExit:
		if out.ExitCode != nil && *out.ExitCode > 0 && *out.ExitCode < 256 {
			return *out.ExitCode
		}
		return 1
	case sandbox.KindTimeout:
		return 124
	case sandbox.KindResourceKilled:
		return 137
	case sandbox.KindProvisioningFailed:
		return 125
	}
	return 1
}
