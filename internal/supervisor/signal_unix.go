//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// setupProcessGroup starts the command in its own process group so that
// stop and kill reach the entire tree. Agent CLIs routinely spawn child
// processes; without this, orphans hold the output pipes open and hang
// the supervisor.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// softInterrupt delivers SIGINT to the process group, giving the agent a
// chance to flush and checkpoint before exiting.
func softInterrupt(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// hardKill delivers SIGKILL to the process group.
func hardKill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// startPTY starts the command under a pseudo-terminal and returns the
// controlling file. pty.Start puts the child in its own session, so the
// group-directed signals above still reach it.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return pty.Start(cmd)
}
