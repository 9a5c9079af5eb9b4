//go:build windows

package procspawn

import (
	"os"
	"os/exec"
)

func setSysProcAttr(_ *exec.Cmd) {}

func signalGroup(pid int, force bool) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	// No process groups and no SIGTERM on Windows; both phases kill.
	_ = force
	_ = proc.Kill()
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func exitedBySignal(_ *os.ProcessState) bool { return false }
