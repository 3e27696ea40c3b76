//go:build !unix

package runtime

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// interrupt falls back to killing the child where os.Interrupt cannot be
// delivered, and reports that it did.
func interrupt(cmd *exec.Cmd) (bool, error) {
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return true, cmd.Process.Kill()
	}
	return false, nil
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func interrupted(err error) bool {
	return false
}
