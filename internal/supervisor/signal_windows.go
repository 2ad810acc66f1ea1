//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setupProcessGroup places the command in a new console process group so
// CTRL_BREAK can be targeted at it without hitting the supervisor.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// softInterrupt sends CTRL_BREAK to the process group. Console apps treat it
// like an interrupt; there is no SIGINT on Windows.
func softInterrupt(pid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

func hardKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, fmt.Errorf("pty mode is not supported on windows")
}
