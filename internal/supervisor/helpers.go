package supervisor

import (
	"errors"
	"os"
	"os/exec"

	"github.com/agusx1211/waverun/internal/debug"
)

// setupEnv inherits the current environment and overlays extras, plus the
// debug propagation vars so child diagnostics land in the same log tree.
func setupEnv(cmd *exec.Cmd, env map[string]string) {
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = debug.PropagatedEnv(cmd.Env, "agent")
}

// extractExitCode interprets a process error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (0, err) for any other error.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
