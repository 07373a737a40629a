//go:build darwin || linux

package lifecycle

import (
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// detachProcess puts the child in its own session so it keeps running
// after the CLI that spawned it exits.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminateProcess(p *process.Process) error {
	return p.SendSignal(syscall.SIGTERM)
}

func killProcess(p *process.Process) error {
	return p.Kill()
}
