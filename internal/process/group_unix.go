//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// startInGroup puts the adapter in its own process group so that a wrapper
// (sh -c, npx, launcher scripts) and everything it starts can be killed together.
func startInGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to every process in the adapter's group
// (negative pid = the whole group).
func killGroup(cmd *exec.Cmd) error {
	killErr := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(killErr, syscall.ESRCH) {
		return nil
	}
	return killErr
}
