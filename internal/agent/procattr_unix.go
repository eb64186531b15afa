//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so the whole tree
// (the CLI plus anything it spawns) can be signalled together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup asks the process group to exit cleanly.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup forcibly kills the process group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
