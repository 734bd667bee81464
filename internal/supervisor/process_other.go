//go:build !darwin && !linux

package supervisor

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on unsupported platforms.
func setProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

// signalGroup kills the process on unsupported platforms; there is no
// graceful step.
func signalGroup(p *os.Process, step stopStep) error {
	_ = step
	return p.Kill()
}
