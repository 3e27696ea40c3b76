//go:build unix

package runtime

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child in its own process group so signals
// reach anything it spawns.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt sends SIGINT to the child's process group. It never forces.
func interrupt(cmd *exec.Cmd) (bool, error) {
	return false, syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}

func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// interrupted reports whether the child died from the SIGINT we sent
func interrupted(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGINT
}
