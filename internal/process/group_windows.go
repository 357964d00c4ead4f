//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func startInGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killGroup only reaches the direct child; grandchildren holding the pipes
// are cut off by the stream close in Kill.
func killGroup(cmd *exec.Cmd) error {
	killErr := cmd.Process.Kill()
	if errors.Is(killErr, os.ErrProcessDone) {
		return nil
	}
	return killErr
}
