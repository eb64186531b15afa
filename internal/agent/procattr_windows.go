//go:build windows

package agent

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows.
func setProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup kills the process directly; Windows has no SIGTERM.
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

// killProcessGroup kills the process by PID.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
