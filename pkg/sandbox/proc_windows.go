//go:build windows

package sandbox

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd, level IsolationLevel) {}

// Windows has no graceful signal for arbitrary processes; both paths kill.
func terminate(p *process, force bool) error {
	return p.cmd.Process.Kill()
}

func signalPID(pid int, force bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
