//go:build !windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd, level IsolationLevel) {
	if level >= IsolationProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

// terminate signals p, or its whole process group when it owns one
func terminate(p *process, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}

	pid := p.cmd.Process.Pid
	if p.group {
		// Setpgid makes pgid == pid; the negative pid targets the group.
		if err := unix.Kill(-pid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	return p.cmd.Process.Signal(sig)
}

func signalPID(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	return unix.Kill(pid, sig)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
