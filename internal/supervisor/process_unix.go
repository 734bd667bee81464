//go:build darwin || linux

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in its own process group so a stop reaches
// every process the agent spawned.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup delivers one escalation step to the agent's process group,
// falling back to the process itself.
func signalGroup(p *os.Process, step stopStep) error {
	sig := syscall.SIGKILL
	switch step {
	case stepInterrupt:
		sig = syscall.SIGINT
	case stepTerminate:
		sig = syscall.SIGTERM
	}
	if p.Pid > 0 {
		if err := syscall.Kill(-p.Pid, sig); err == nil {
			return nil
		}
	}
	return p.Signal(sig)
}
